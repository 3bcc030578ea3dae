package models

import (
	"time"
)

// Verdict is how a node classified one observed flow.
type Verdict string

const (
	// VerdictAllowed means a policy rule admitted the flow.
	VerdictAllowed Verdict = "ALLOWED"
	// VerdictBlocked means a policy selects the endpoint but no rule matched.
	VerdictBlocked Verdict = "BLOCKED"
	// VerdictNoPolicy means no policy selects the endpoint.
	VerdictNoPolicy Verdict = "NO_POLICY"
)

// ValidationSummary contains aggregated validation stats for one hour of one cluster.
type ValidationSummary struct {
	Hour          time.Time     `json:"hour"`
	AllowedCount  int64         `json:"allowedCount"`
	BlockedCount  int64         `json:"blockedCount"`
	NoPolicyCount int64         `json:"noPolicyCount"`
	CoverageGaps  []CoverageGap `json:"coverageGaps,omitempty"`
	TopBlocked    []BlockedFlow `json:"topBlocked,omitempty"`
}

// CoverageGap represents a source/destination pair without policy coverage.
type CoverageGap struct {
	SrcNamespace string `json:"srcNamespace"`
	SrcPodName   string `json:"srcPodName,omitempty"`
	DstNamespace string `json:"dstNamespace"`
	DstPodName   string `json:"dstPodName,omitempty"`
	DstPort      int    `json:"dstPort"`
	Count        int64  `json:"count"`
}

// CoverageGapKey is the identity of a coverage gap.
type CoverageGapKey struct {
	SrcNamespace, SrcPodName, DstNamespace, DstPodName string
	DstPort                                            int
}

// Key returns the identity tuple of g, i.e. every field but Count.
func (g CoverageGap) Key() CoverageGapKey {
	return CoverageGapKey{g.SrcNamespace, g.SrcPodName, g.DstNamespace, g.DstPodName, g.DstPort}
}

// BlockedFlow represents a blocked flow for reporting.
type BlockedFlow struct {
	SrcNamespace string `json:"srcNamespace"`
	SrcPodName   string `json:"srcPodName,omitempty"`
	DstNamespace string `json:"dstNamespace"`
	DstPodName   string `json:"dstPodName,omitempty"`
	DstPort      int    `json:"dstPort,omitempty"`
	Policy       string `json:"policy"`
	Count        int64  `json:"count"`
}

// BlockedFlowKey is the identity of a blocked flow.
type BlockedFlowKey struct {
	SrcNamespace, SrcPodName, DstNamespace, DstPodName, Policy string
	DstPort                                                    int
}

// Key returns the identity tuple of b, i.e. every field but Count.
func (b BlockedFlow) Key() BlockedFlowKey {
	return BlockedFlowKey{b.SrcNamespace, b.SrcPodName, b.DstNamespace, b.DstPodName, b.Policy, b.DstPort}
}

// ValidationEvent is a single flow-level validation record.
type ValidationEvent struct {
	Timestamp     time.Time         `json:"timestamp"`
	Verdict       Verdict           `json:"verdict"`
	SrcNamespace  string            `json:"srcNamespace"`
	SrcPodName    string            `json:"srcPodName,omitempty"`
	SrcLabels     map[string]string `json:"srcLabels,omitempty"`
	DstNamespace  string            `json:"dstNamespace"`
	DstPodName    string            `json:"dstPodName,omitempty"`
	DstLabels     map[string]string `json:"dstLabels,omitempty"`
	DstPort       int               `json:"dstPort"`
	Protocol      string            `json:"protocol"`
	MatchedPolicy string            `json:"matchedPolicy,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// ValidationIngestion is the payload nodes post with validation telemetry.
type ValidationIngestion struct {
	// ClusterID is optional; when set it must match the caller's cluster.
	ClusterID string `json:"clusterId,omitempty" validate:"omitempty,max=253"`
	// SubmissionID deduplicates retried submissions.
	SubmissionID string              `json:"submissionId,omitempty" validate:"omitempty,max=128"`
	NodeName     string              `json:"nodeName,omitempty" validate:"omitempty,max=253"`
	Summaries    []ValidationSummary `json:"summaries,omitempty"`
	Events       []ValidationEvent   `json:"events,omitempty"`
}

// IngestResult reports what an ingestion call changed.
type IngestResult struct {
	Success           bool `json:"success"`
	SummariesUpserted int  `json:"summariesUpserted"`
	EventsCreated     int  `json:"eventsCreated"`
	Duplicate         bool `json:"duplicate,omitempty"`
}

// SummaryTotals aggregates validation summaries over a window.
type SummaryTotals struct {
	AllowedCount    int64         `json:"allowedCount"`
	BlockedCount    int64         `json:"blockedCount"`
	NoPolicyCount   int64         `json:"noPolicyCount"`
	TotalFlows      int64         `json:"totalFlows"`
	CoveragePercent float64       `json:"coveragePercent"`
	CoverageGaps    []CoverageGap `json:"coverageGaps,omitempty"`
	TopBlocked      []BlockedFlow `json:"topBlocked,omitempty"`
}

// SummaryReport is the response of the validation summary query.
type SummaryReport struct {
	ClusterID string              `json:"clusterId"`
	Hours     int                 `json:"hours"`
	Since     time.Time           `json:"since"`
	Totals    SummaryTotals       `json:"totals"`
	Hourly    []ValidationSummary `json:"hourly"`
}

// Cluster is the coordinator's view of a registered cluster.
type Cluster struct {
	ID              string     `json:"id"`
	OrganizationID  string     `json:"organizationId"`
	Name            string     `json:"name,omitempty"`
	NodeCount       int        `json:"nodeCount"`
	OperatorVersion string     `json:"operatorVersion,omitempty"`
	LastHeartbeat   *time.Time `json:"lastHeartbeat,omitempty"`
}

// HeartbeatRequest is the body of a cluster heartbeat.
type HeartbeatRequest struct {
	OperatorVersion      string `json:"operatorVersion,omitempty"`
	KubernetesVersion    string `json:"kubernetesVersion,omitempty"`
	NodeCount            int    `json:"nodeCount,omitempty"`
	NamespaceCount       int    `json:"namespaceCount,omitempty"`
	ManagedPoliciesCount int    `json:"managedPoliciesCount,omitempty"`
	Status               string `json:"status,omitempty"` // healthy, degraded, error
	Error                string `json:"error,omitempty"`
}

// TruncateToHour returns t floored to the hour in UTC.
func TruncateToHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}
