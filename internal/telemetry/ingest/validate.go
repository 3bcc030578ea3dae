package ingest

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/policy-hub/coordinator/internal/telemetry/models"
)

// Limits bounds the size of one ingestion call.
type Limits struct {
	MaxEvents    int
	MaxSummaries int
}

// Validator checks decoded payloads.
type Validator struct {
	limits   Limits
	validate *validator.Validate
}

// NewValidator creates a validator enforcing limits.
func NewValidator(limits Limits) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("policytype", func(fl validator.FieldLevel) bool {
		return models.PolicyType(fl.Field().String()).Valid()
	}); err != nil {
		panic(fmt.Sprintf("failed to register policytype validation: %v", err))
	}

	return &Validator{limits: limits, validate: v}
}

// ValidateCreateRequest applies the struct rules of a simulation request.
func (v *Validator) ValidateCreateRequest(req *models.CreateSimulationRequest) field.ErrorList {
	return v.structErrors(req)
}

// ValidateValidationIngestion checks an ingestion payload and truncates every summary
// hour to the hour.
func (v *Validator) ValidateValidationIngestion(in *models.ValidationIngestion) field.ErrorList {
	errs := v.structErrors(in)

	if v.limits.MaxSummaries > 0 && len(in.Summaries) > v.limits.MaxSummaries {
		errs = append(errs, field.TooMany(field.NewPath("summaries"), len(in.Summaries), v.limits.MaxSummaries))
	}
	if v.limits.MaxEvents > 0 && len(in.Events) > v.limits.MaxEvents {
		errs = append(errs, field.TooMany(field.NewPath("events"), len(in.Events), v.limits.MaxEvents))
	}

	for i := range in.Summaries {
		s := &in.Summaries[i]
		p := field.NewPath("summaries").Index(i)

		if s.Hour.IsZero() {
			errs = append(errs, field.Required(p.Child("hour"), ""))
		} else {
			s.Hour = models.TruncateToHour(s.Hour)
		}
		errs = append(errs, nonNegative(p.Child("allowedCount"), s.AllowedCount)...)
		errs = append(errs, nonNegative(p.Child("blockedCount"), s.BlockedCount)...)
		errs = append(errs, nonNegative(p.Child("noPolicyCount"), s.NoPolicyCount)...)

		for j, g := range s.CoverageGaps {
			gp := p.Child("coverageGaps").Index(j)
			errs = append(errs, requiredString(gp.Child("srcNamespace"), g.SrcNamespace)...)
			errs = append(errs, requiredString(gp.Child("dstNamespace"), g.DstNamespace)...)
			errs = append(errs, port(gp.Child("dstPort"), g.DstPort)...)
			errs = append(errs, nonNegative(gp.Child("count"), g.Count)...)
		}
		for j, b := range s.TopBlocked {
			bp := p.Child("topBlocked").Index(j)
			errs = append(errs, requiredString(bp.Child("srcNamespace"), b.SrcNamespace)...)
			errs = append(errs, requiredString(bp.Child("dstNamespace"), b.DstNamespace)...)
			errs = append(errs, requiredString(bp.Child("policy"), b.Policy)...)
			errs = append(errs, port(bp.Child("dstPort"), b.DstPort)...)
			errs = append(errs, nonNegative(bp.Child("count"), b.Count)...)
		}
	}

	for i, e := range in.Events {
		p := field.NewPath("events").Index(i)
		if e.Timestamp.IsZero() {
			errs = append(errs, field.Required(p.Child("timestamp"), ""))
		}
		switch e.Verdict {
		case models.VerdictAllowed, models.VerdictBlocked, models.VerdictNoPolicy:
		default:
			errs = append(errs, field.NotSupported(p.Child("verdict"), string(e.Verdict),
				[]string{string(models.VerdictAllowed), string(models.VerdictBlocked), string(models.VerdictNoPolicy)}))
		}
		errs = append(errs, port(p.Child("dstPort"), e.DstPort)...)
	}

	return errs
}

// ValidatePartialResult checks a node result against the simulation's policy type.
// An empty kind is filled in from the policy type.
func (v *Validator) ValidatePartialResult(policyType models.PolicyType, r *models.PartialResult) field.ErrorList {
	var errs field.ErrorList
	root := field.NewPath("result")

	if r == nil {
		return append(errs, field.Required(root, ""))
	}

	want := policyType.ResultKind()
	switch r.Kind {
	case "":
		r.Kind = want
	case want:
	default:
		errs = append(errs, field.Invalid(root.Child("kind"), string(r.Kind),
			fmt.Sprintf("policy type %s reports %s results", policyType, want)))
	}

	errs = append(errs, nonNegative(root.Child("totalFlowsAnalyzed"), r.TotalFlowsAnalyzed)...)
	errs = append(errs, nonNegative(root.Child("allowedCount"), r.AllowedCount)...)
	errs = append(errs, nonNegative(root.Child("deniedCount"), r.DeniedCount)...)
	errs = append(errs, nonNegative(root.Child("noChangeCount"), r.NoChangeCount)...)
	errs = append(errs, nonNegative(root.Child("wouldChangeCount"), r.WouldChangeCount)...)
	errs = append(errs, nonNegative(root.Child("durationMs"), r.DurationMs)...)
	if r.DeniedCount >= 0 && r.AllowedCount > r.TotalFlowsAnalyzed-r.DeniedCount {
		errs = append(errs, field.Invalid(root.Child("allowedCount"), r.AllowedCount+r.DeniedCount,
			"allowedCount + deniedCount exceeds totalFlowsAnalyzed"))
	}

	for ns, impact := range r.BreakdownByNamespace {
		if impact == nil {
			errs = append(errs, field.Required(root.Child("breakdownByNamespace").Key(ns), ""))
		}
	}

	switch r.Kind {
	case models.ResultKindNetwork:
		if len(r.SampleProcesses) > 0 {
			errs = append(errs, field.Forbidden(root.Child("sampleProcesses"), "network results carry sample flows only"))
		}
	case models.ResultKindProcess:
		if len(r.SampleFlows) > 0 {
			errs = append(errs, field.Forbidden(root.Child("sampleFlows"), "process results carry sample processes only"))
		}
		if r.BreakdownByVerdict != nil {
			errs = append(errs, field.Forbidden(root.Child("breakdownByVerdict"), "process results have no verdict breakdown"))
		}
	}

	return errs
}

// structErrors runs the tag rules on s and maps failures to field errors.
func (v *Validator) structErrors(s any) field.ErrorList {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return field.ErrorList{field.InternalError(nil, err)}
	}

	var errs field.ErrorList
	for _, fe := range fieldErrs {
		p := namespacePath(fe.Namespace())
		switch fe.Tag() {
		case "required":
			errs = append(errs, field.Required(p, ""))
		case "policytype":
			errs = append(errs, field.NotSupported(p, fe.Value(), models.PolicyTypes()))
		case "max":
			limit, convErr := strconv.Atoi(fe.Param())
			switch {
			case convErr == nil && fe.Kind() == reflect.Slice:
				errs = append(errs, field.TooMany(p, reflect.ValueOf(fe.Value()).Len(), limit))
			case convErr == nil && fe.Kind() == reflect.String:
				errs = append(errs, field.TooLong(p, "", limit))
			default:
				errs = append(errs, field.Invalid(p, fe.Value(), "must be at most "+fe.Param()))
			}
		case "min":
			errs = append(errs, field.Invalid(p, fe.Value(), "must be at least "+fe.Param()))
		default:
			errs = append(errs, field.Invalid(p, fe.Value(), "failed "+fe.Tag()+" rule"))
		}
	}
	return errs
}

// namespacePath converts "CreateSimulationRequest.namespaces[1]" to "namespaces[1]".
func namespacePath(ns string) *field.Path {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}

	var p *field.Path
	for _, part := range parts {
		name, index := part, -1
		if i := strings.IndexByte(part, '['); i >= 0 && strings.HasSuffix(part, "]") {
			if n, err := strconv.Atoi(part[i+1 : len(part)-1]); err == nil {
				name, index = part[:i], n
			}
		}
		if p == nil {
			p = field.NewPath(name)
		} else {
			p = p.Child(name)
		}
		if index >= 0 {
			p = p.Index(index)
		}
	}
	return p
}

func nonNegative(p *field.Path, v int64) field.ErrorList {
	if v < 0 {
		return field.ErrorList{field.Invalid(p, v, "must not be negative")}
	}
	return nil
}

func requiredString(p *field.Path, v string) field.ErrorList {
	if strings.TrimSpace(v) == "" {
		return field.ErrorList{field.Required(p, "")}
	}
	return nil
}

func port(p *field.Path, v int) field.ErrorList {
	if v < 0 || v > 65535 {
		return field.ErrorList{field.Invalid(p, v, "must be between 0 and 65535")}
	}
	return nil
}
