package models

// ResultKind tags which variant of partial result a node reported.
type ResultKind string

const (
	// ResultKindNetwork is reported for Cilium and Gateway policies (flow verdicts)
	ResultKindNetwork ResultKind = "network"
	// ResultKindProcess is reported for Tetragon policies (process actions)
	ResultKindProcess ResultKind = "process"
)

// PartialResult is one node's verdict aggregate for a simulation.
type PartialResult struct {
	Kind ResultKind `json:"kind,omitempty"`

	TotalFlowsAnalyzed int64 `json:"totalFlowsAnalyzed"`
	AllowedCount       int64 `json:"allowedCount"`
	DeniedCount        int64 `json:"deniedCount"`
	NoChangeCount      int64 `json:"noChangeCount"`
	WouldChangeCount   int64 `json:"wouldChangeCount"`

	BreakdownByNamespace map[string]*NamespaceImpact `json:"breakdownByNamespace,omitempty"`

	// Network results only
	BreakdownByVerdict *VerdictBreakdown `json:"breakdownByVerdict,omitempty"`
	SampleFlows        []SimulatedFlow   `json:"sampleFlows,omitempty"`

	// Process results only
	SampleProcesses []SimulatedProcess `json:"sampleProcesses,omitempty"`

	Errors     []string `json:"errors,omitempty"`
	DurationMs int64    `json:"durationMs,omitempty"`
}

// Failed reports whether the node produced nothing but errors.
func (p *PartialResult) Failed() bool {
	return len(p.Errors) > 0 && p.TotalFlowsAnalyzed == 0
}

// SimulationResult is the merged, final result of a simulation.
type SimulationResult struct {
	Kind ResultKind `json:"kind"`

	TotalFlowsAnalyzed int64 `json:"totalFlowsAnalyzed"`
	AllowedCount       int64 `json:"allowedCount"`
	DeniedCount        int64 `json:"deniedCount"`
	NoChangeCount      int64 `json:"noChangeCount"`
	WouldChangeCount   int64 `json:"wouldChangeCount"`

	BreakdownByNamespace map[string]*NamespaceImpact `json:"breakdownByNamespace,omitempty"`
	BreakdownByVerdict   *VerdictBreakdown           `json:"breakdownByVerdict,omitempty"`
	SampleFlows          []SimulatedFlow             `json:"sampleFlows,omitempty"`
	SampleProcesses      []SimulatedProcess          `json:"sampleProcesses,omitempty"`

	Errors        []string `json:"errors,omitempty"`
	NodesReported []string `json:"nodesReported"`
	DurationMs    int64    `json:"durationMs"`
}

// NamespaceImpact shows the simulation impact for a specific namespace.
type NamespaceImpact struct {
	Namespace    string `json:"namespace"`
	TotalFlows   int64  `json:"totalFlows"`
	AllowedCount int64  `json:"allowedCount"`
	DeniedCount  int64  `json:"deniedCount"`
	WouldDeny    int64  `json:"wouldDeny"`  // Currently allowed, would be denied
	WouldAllow   int64  `json:"wouldAllow"` // Currently denied, would be allowed
	NoChange     int64  `json:"noChange"`
}

// VerdictBreakdown shows the breakdown of verdict changes.
type VerdictBreakdown struct {
	AllowedToAllowed int64 `json:"allowedToAllowed"`
	AllowedToDenied  int64 `json:"allowedToDenied"`
	DeniedToAllowed  int64 `json:"deniedToAllowed"`
	DeniedToDenied   int64 `json:"deniedToDenied"`
	DroppedToAllowed int64 `json:"droppedToAllowed"`
	DroppedToDenied  int64 `json:"droppedToDenied"`
}

// SimulatedFlow is a sample flow with its original and simulated verdict.
type SimulatedFlow struct {
	SrcNamespace     string `json:"srcNamespace"`
	SrcPodName       string `json:"srcPodName,omitempty"`
	DstNamespace     string `json:"dstNamespace"`
	DstPodName       string `json:"dstPodName,omitempty"`
	DstPort          int    `json:"dstPort"`
	Protocol         string `json:"protocol"`
	OriginalVerdict  string `json:"originalVerdict"`
	SimulatedVerdict string `json:"simulatedVerdict"`
	VerdictChanged   bool   `json:"verdictChanged"`
	MatchedRule      string `json:"matchedRule,omitempty"`
}

// SimulatedProcess is a sample process event with its simulated enforcement action.
type SimulatedProcess struct {
	Namespace       string `json:"namespace"`
	PodName         string `json:"podName,omitempty"`
	Binary          string `json:"binary"`
	OriginalAction  string `json:"originalAction"`
	SimulatedAction string `json:"simulatedAction"`
	ActionChanged   bool   `json:"actionChanged"`
	MatchedPolicy   string `json:"matchedPolicy,omitempty"`
}

// ResultSubmission is the body a node posts for a simulation.
type ResultSubmission struct {
	SimulationID string `json:"simulationId,omitempty"`
	NodeName     string `json:"nodeName,omitempty"`
	PartialResult
}

// SubmissionOutcome reports what happened to a node result.
type SubmissionOutcome string

const (
	// OutcomeAccepted means the result was recorded
	OutcomeAccepted SubmissionOutcome = "accepted"
	// OutcomeDuplicate means this node already reported for the simulation
	OutcomeDuplicate SubmissionOutcome = "duplicate"
	// OutcomeDiscarded means the simulation was terminal and the result was dropped
	OutcomeDiscarded SubmissionOutcome = "discarded"
)
