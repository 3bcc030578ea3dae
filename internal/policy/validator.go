// Package policy checks simulation policy documents before they are handed to nodes.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	ciliumv2 "github.com/cilium/cilium/pkg/k8s/apis/cilium.io/v2"
	"github.com/go-logr/logr"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/validation/field"
	gatewayv1 "sigs.k8s.io/gateway-api/apis/v1"
	gatewayv1alpha2 "sigs.k8s.io/gateway-api/apis/v1alpha2"
	"sigs.k8s.io/yaml"

	"github.com/policy-hub/coordinator/internal/telemetry/models"
)

const gatewayGroup = "gateway.networking.k8s.io/"

// acceptedKinds lists the resource kinds each policy type may contain.
var acceptedKinds = map[models.PolicyType][]string{
	models.PolicyTypeCiliumNetwork:     {"CiliumNetworkPolicy", "NetworkPolicy"},
	models.PolicyTypeCiliumClusterwide: {"CiliumClusterwideNetworkPolicy"},
	models.PolicyTypeTetragon:          {"TracingPolicy", "TracingPolicyNamespaced"},
	models.PolicyTypeGatewayHTTPRoute:  {"HTTPRoute"},
	models.PolicyTypeGatewayGRPCRoute:  {"GRPCRoute"},
	models.PolicyTypeGatewayTCPRoute:   {"TCPRoute"},
}

// Validator checks that policy content parses and matches its declared type.
type Validator struct {
	log logr.Logger
}

// NewValidator creates a new policy validator
func NewValidator(log logr.Logger) *Validator {
	return &Validator{log: log.WithName("policy-validator")}
}

// Validate returns every problem found in content, rooted at fldPath.
func (v *Validator) Validate(policyType models.PolicyType, content string, fldPath *field.Path) field.ErrorList {
	var errs field.ErrorList

	if strings.TrimSpace(content) == "" {
		return append(errs, field.Required(fldPath, "policy content is empty"))
	}

	resources, err := parseContent(content)
	if err != nil {
		return append(errs, field.Invalid(fldPath, "<yaml>", err.Error()))
	}
	if len(resources) == 0 {
		return append(errs, field.Invalid(fldPath, "<yaml>", "no resources found in policy content"))
	}

	for i, res := range resources {
		resPath := fldPath.Index(i)
		if res.GetAPIVersion() == "" {
			errs = append(errs, field.Required(resPath.Child("apiVersion"), ""))
		}
		if res.GetName() == "" {
			errs = append(errs, field.Required(resPath.Child("metadata", "name"), ""))
		}
		if kindErr := validateKind(policyType, res, resPath); kindErr != nil {
			errs = append(errs, kindErr)
			continue
		}
		errs = append(errs, validateTyped(res, resPath)...)
	}

	if len(errs) > 0 {
		v.log.V(1).Info("Rejected policy content", "policyType", policyType, "errors", len(errs))
	}
	return errs
}

// parseContent parses multi-document YAML into unstructured resources
func parseContent(content string) ([]*unstructured.Unstructured, error) {
	var resources []*unstructured.Unstructured

	for i, doc := range splitDocuments(content) {
		doc = strings.TrimSpace(doc)
		if doc == "" {
			continue
		}

		obj := &unstructured.Unstructured{}
		if err := yaml.Unmarshal([]byte(doc), &obj.Object); err != nil {
			return nil, fmt.Errorf("document %d: failed to unmarshal YAML: %w", i, err)
		}

		// Skip comment-only documents
		if len(obj.Object) == 0 {
			continue
		}

		resources = append(resources, obj)
	}

	return resources, nil
}

// splitDocuments splits on "---" separator lines only, so values containing dashes survive.
func splitDocuments(content string) []string {
	var docs []string
	var cur strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimRight(line, " \t\r") == "---" {
			docs = append(docs, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	return append(docs, cur.String())
}

func validateKind(policyType models.PolicyType, res *unstructured.Unstructured, resPath *field.Path) *field.Error {
	kinds, ok := acceptedKinds[policyType]
	if !ok {
		return field.NotSupported(resPath.Child("policyType"), string(policyType), models.PolicyTypes())
	}

	kind := res.GetKind()
	if kind == "" {
		return field.Required(resPath.Child("kind"), "")
	}

	accepted := false
	for _, k := range kinds {
		if k == kind {
			accepted = true
			break
		}
	}
	if !accepted {
		return field.NotSupported(resPath.Child("kind"), kind, kinds)
	}

	if policyType == models.PolicyTypeGatewayHTTPRoute && !strings.HasPrefix(res.GetAPIVersion(), gatewayGroup) {
		return field.Invalid(resPath.Child("apiVersion"), res.GetAPIVersion(), "HTTPRoute must use gateway.networking.k8s.io API group")
	}
	return nil
}

// validateTyped decodes known kinds into their API types and checks the parts a node needs.
func validateTyped(res *unstructured.Unstructured, resPath *field.Path) field.ErrorList {
	var errs field.ErrorList
	specPath := resPath.Child("spec")

	switch res.GetKind() {
	case "CiliumNetworkPolicy":
		var cnp ciliumv2.CiliumNetworkPolicy
		if err := decode(res, &cnp); err != nil {
			return append(errs, field.Invalid(specPath, res.GetName(), err.Error()))
		}
		if cnp.Spec == nil && len(cnp.Specs) == 0 {
			errs = append(errs, field.Required(specPath, "spec or specs is required"))
		}
	case "CiliumClusterwideNetworkPolicy":
		var ccnp ciliumv2.CiliumClusterwideNetworkPolicy
		if err := decode(res, &ccnp); err != nil {
			return append(errs, field.Invalid(specPath, res.GetName(), err.Error()))
		}
		if ccnp.Spec == nil && len(ccnp.Specs) == 0 {
			errs = append(errs, field.Required(specPath, "spec or specs is required"))
		}
	case "NetworkPolicy":
		var np networkingv1.NetworkPolicy
		if err := decode(res, &np); err != nil {
			errs = append(errs, field.Invalid(specPath, res.GetName(), err.Error()))
		}
	case "HTTPRoute":
		var route gatewayv1.HTTPRoute
		if err := decode(res, &route); err != nil {
			return append(errs, field.Invalid(specPath, res.GetName(), err.Error()))
		}
		if len(route.Spec.Rules) == 0 {
			errs = append(errs, field.Required(specPath.Child("rules"), "at least one rule is required"))
		}
	case "GRPCRoute":
		var route gatewayv1.GRPCRoute
		if err := decode(res, &route); err != nil {
			return append(errs, field.Invalid(specPath, res.GetName(), err.Error()))
		}
		if len(route.Spec.Rules) == 0 {
			errs = append(errs, field.Required(specPath.Child("rules"), "at least one rule is required"))
		}
	case "TCPRoute":
		var route gatewayv1alpha2.TCPRoute
		if err := decode(res, &route); err != nil {
			return append(errs, field.Invalid(specPath, res.GetName(), err.Error()))
		}
		if len(route.Spec.Rules) == 0 {
			errs = append(errs, field.Required(specPath.Child("rules"), "at least one rule is required"))
		}
	}

	return errs
}

func decode(res *unstructured.Unstructured, into any) error {
	data, err := json.Marshal(res.Object)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, into)
}
