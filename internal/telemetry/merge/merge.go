// Package merge combines partial aggregates reported by collector nodes.
// Every function here is pure: inputs are never mutated and no I/O is done.
package merge

import (
	"fmt"
	"math"
	"sort"

	"github.com/policy-hub/coordinator/internal/telemetry/models"
)

// DefaultTopK is the cap applied to top-K lists when no limit is given.
const DefaultTopK = 20

// AddCounter folds delta into existing, saturating at math.MaxInt64.
// Counters are non-negative, so only the upper bound can be crossed.
func AddCounter(existing, delta int64) int64 {
	if delta > 0 && existing > math.MaxInt64-delta {
		return math.MaxInt64
	}
	return existing + delta
}

// topK merges incoming into existing by identity key, adding counts for keys
// present in both, then stable-sorts by count descending and truncates to limit.
func topK[T any, K comparable](existing, incoming []T, key func(T) K, count func(T) int64, add func(T, int64) T, limit int) []T {
	if limit <= 0 {
		limit = DefaultTopK
	}

	index := make(map[K]int, len(existing)+len(incoming))
	merged := make([]T, 0, len(existing)+len(incoming))

	for _, e := range existing {
		k := key(e)
		if i, ok := index[k]; ok {
			merged[i] = add(merged[i], count(e))
			continue
		}
		index[k] = len(merged)
		merged = append(merged, e)
	}
	for _, e := range incoming {
		k := key(e)
		if i, ok := index[k]; ok {
			merged[i] = add(merged[i], count(e))
			continue
		}
		index[k] = len(merged)
		merged = append(merged, e)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return count(merged[i]) > count(merged[j])
	})

	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// MergeCoverageGaps cumulatively merges coverage gap lists.
func MergeCoverageGaps(existing, incoming []models.CoverageGap, limit int) []models.CoverageGap {
	return topK(existing, incoming,
		models.CoverageGap.Key,
		func(g models.CoverageGap) int64 { return g.Count },
		func(g models.CoverageGap, n int64) models.CoverageGap {
			g.Count = AddCounter(g.Count, n)
			return g
		},
		limit,
	)
}

// MergeTopBlocked cumulatively merges top blocked flow lists.
func MergeTopBlocked(existing, incoming []models.BlockedFlow, limit int) []models.BlockedFlow {
	return topK(existing, incoming,
		models.BlockedFlow.Key,
		func(b models.BlockedFlow) int64 { return b.Count },
		func(b models.BlockedFlow, n int64) models.BlockedFlow {
			b.Count = AddCounter(b.Count, n)
			return b
		},
		limit,
	)
}

// MergeSummary folds an incoming validation summary into existing, which may be nil.
func MergeSummary(existing *models.ValidationSummary, incoming models.ValidationSummary, limit int) models.ValidationSummary {
	if existing == nil {
		return models.ValidationSummary{
			Hour:          incoming.Hour,
			AllowedCount:  incoming.AllowedCount,
			BlockedCount:  incoming.BlockedCount,
			NoPolicyCount: incoming.NoPolicyCount,
			CoverageGaps:  MergeCoverageGaps(nil, incoming.CoverageGaps, limit),
			TopBlocked:    MergeTopBlocked(nil, incoming.TopBlocked, limit),
		}
	}
	return models.ValidationSummary{
		Hour:          existing.Hour,
		AllowedCount:  AddCounter(existing.AllowedCount, incoming.AllowedCount),
		BlockedCount:  AddCounter(existing.BlockedCount, incoming.BlockedCount),
		NoPolicyCount: AddCounter(existing.NoPolicyCount, incoming.NoPolicyCount),
		CoverageGaps:  MergeCoverageGaps(existing.CoverageGaps, incoming.CoverageGaps, limit),
		TopBlocked:    MergeTopBlocked(existing.TopBlocked, incoming.TopBlocked, limit),
	}
}

// MergeResults folds node partial results into a final simulation result.
// Nodes are visited in name order, so the result does not depend on arrival order.
// Sample flows and processes are capped at maxDetails.
func MergeResults(kind models.ResultKind, parts map[string]*models.PartialResult, maxDetails int) *models.SimulationResult {
	nodes := make([]string, 0, len(parts))
	for node := range parts {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	out := &models.SimulationResult{
		Kind:          kind,
		NodesReported: nodes,
	}

	for _, node := range nodes {
		p := parts[node]
		if p == nil {
			continue
		}

		out.TotalFlowsAnalyzed = AddCounter(out.TotalFlowsAnalyzed, p.TotalFlowsAnalyzed)
		out.AllowedCount = AddCounter(out.AllowedCount, p.AllowedCount)
		out.DeniedCount = AddCounter(out.DeniedCount, p.DeniedCount)
		out.NoChangeCount = AddCounter(out.NoChangeCount, p.NoChangeCount)
		out.WouldChangeCount = AddCounter(out.WouldChangeCount, p.WouldChangeCount)

		out.BreakdownByNamespace = mergeNamespaces(out.BreakdownByNamespace, p.BreakdownByNamespace)
		if p.BreakdownByVerdict != nil {
			out.BreakdownByVerdict = mergeVerdicts(out.BreakdownByVerdict, p.BreakdownByVerdict)
		}

		out.SampleFlows = appendCapped(out.SampleFlows, p.SampleFlows, maxDetails)
		out.SampleProcesses = appendCapped(out.SampleProcesses, p.SampleProcesses, maxDetails)

		for _, e := range p.Errors {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %s", node, e))
		}
		if p.DurationMs > out.DurationMs {
			out.DurationMs = p.DurationMs
		}
	}

	return out
}

func mergeNamespaces(dst, src map[string]*models.NamespaceImpact) map[string]*models.NamespaceImpact {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]*models.NamespaceImpact, len(src))
	}
	for ns, in := range src {
		if in == nil {
			continue
		}
		cur, ok := dst[ns]
		if !ok {
			cur = &models.NamespaceImpact{Namespace: ns}
			dst[ns] = cur
		}
		cur.TotalFlows = AddCounter(cur.TotalFlows, in.TotalFlows)
		cur.AllowedCount = AddCounter(cur.AllowedCount, in.AllowedCount)
		cur.DeniedCount = AddCounter(cur.DeniedCount, in.DeniedCount)
		cur.WouldDeny = AddCounter(cur.WouldDeny, in.WouldDeny)
		cur.WouldAllow = AddCounter(cur.WouldAllow, in.WouldAllow)
		cur.NoChange = AddCounter(cur.NoChange, in.NoChange)
	}
	return dst
}

func mergeVerdicts(dst, src *models.VerdictBreakdown) *models.VerdictBreakdown {
	if dst == nil {
		dst = &models.VerdictBreakdown{}
	}
	dst.AllowedToAllowed = AddCounter(dst.AllowedToAllowed, src.AllowedToAllowed)
	dst.AllowedToDenied = AddCounter(dst.AllowedToDenied, src.AllowedToDenied)
	dst.DeniedToAllowed = AddCounter(dst.DeniedToAllowed, src.DeniedToAllowed)
	dst.DeniedToDenied = AddCounter(dst.DeniedToDenied, src.DeniedToDenied)
	dst.DroppedToAllowed = AddCounter(dst.DroppedToAllowed, src.DroppedToAllowed)
	dst.DroppedToDenied = AddCounter(dst.DroppedToDenied, src.DroppedToDenied)
	return dst
}

func appendCapped[T any](dst, src []T, limit int) []T {
	if limit <= 0 {
		return dst
	}
	room := limit - len(dst)
	if room <= 0 {
		return dst
	}
	if len(src) > room {
		src = src[:room]
	}
	return append(dst, src...)
}
