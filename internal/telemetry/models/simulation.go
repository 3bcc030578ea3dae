// Package models defines the simulation and validation telemetry types shared by the
// Policy Hub coordinator and the collector nodes that report to it.
package models

import (
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

// PolicyType identifies the kind of policy document under simulation.
type PolicyType string

const (
	PolicyTypeCiliumNetwork     PolicyType = "CILIUM_NETWORK"
	PolicyTypeCiliumClusterwide PolicyType = "CILIUM_CLUSTERWIDE"
	PolicyTypeTetragon          PolicyType = "TETRAGON"
	PolicyTypeGatewayHTTPRoute  PolicyType = "GATEWAY_HTTPROUTE"
	PolicyTypeGatewayGRPCRoute  PolicyType = "GATEWAY_GRPCROUTE"
	PolicyTypeGatewayTCPRoute   PolicyType = "GATEWAY_TCPROUTE"
)

var knownPolicyTypes = sets.New(
	PolicyTypeCiliumNetwork,
	PolicyTypeCiliumClusterwide,
	PolicyTypeTetragon,
	PolicyTypeGatewayHTTPRoute,
	PolicyTypeGatewayGRPCRoute,
	PolicyTypeGatewayTCPRoute,
)

// Valid reports whether t is a recognized policy type.
func (t PolicyType) Valid() bool {
	return knownPolicyTypes.Has(t)
}

// ResultKind returns the partial result variant nodes report for this policy type.
func (t PolicyType) ResultKind() ResultKind {
	if t == PolicyTypeTetragon {
		return ResultKindProcess
	}
	return ResultKindNetwork
}

// PolicyTypes returns all recognized policy types in sorted order.
func PolicyTypes() []string {
	out := make([]string, 0, knownPolicyTypes.Len())
	for _, t := range sets.List(knownPolicyTypes) {
		out = append(out, string(t))
	}
	return out
}

// Status is the lifecycle state of a simulation.
type Status string

const (
	// StatusPending is a created simulation no node has claimed yet
	StatusPending Status = "PENDING"
	// StatusRunning is a claimed simulation awaiting node results
	StatusRunning Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Simulation is the canonical record of one policy simulation request.
type Simulation struct {
	ID             string `json:"id"`
	ClusterID      string `json:"clusterId"`
	OrganizationID string `json:"organizationId,omitempty"`
	RequestedBy    string `json:"requestedBy,omitempty"`

	// Immutable request
	PolicyContent  string     `json:"policyContent"`
	PolicyType     PolicyType `json:"policyType"`
	StartTime      time.Time  `json:"startTime"`
	EndTime        time.Time  `json:"endTime"`
	Namespaces     []string   `json:"namespaces,omitempty"`
	IncludeDetails bool       `json:"includeDetails"`
	MaxDetails     int        `json:"maxDetails"`

	// Lifecycle
	Status              Status                    `json:"status"`
	ExpectedNodes       int                       `json:"expectedNodes,omitempty"`
	ProcessedNodes      []string                  `json:"processedNodes"`
	NodeResults         map[string]*PartialResult `json:"nodeResults,omitempty"`
	AggregationDeadline *time.Time                `json:"aggregationDeadline,omitempty"`

	// Final result, written once at completion
	Result         *SimulationResult `json:"result,omitempty"`
	Partial        bool              `json:"partial"`
	CompletionNote string            `json:"completionNote,omitempty"`
	FlowsAnalyzed  int64             `json:"flowsAnalyzed"`
	FlowsAllowed   int64             `json:"flowsAllowed"`
	FlowsDenied    int64             `json:"flowsDenied"`
	FlowsChanged   int64             `json:"flowsChanged"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// HasProcessed reports whether node already submitted a result.
func (s *Simulation) HasProcessed(node string) bool {
	for _, n := range s.ProcessedNodes {
		if n == node {
			return true
		}
	}
	return false
}

// DeadlinePassed reports whether the aggregation deadline is strictly before now.
func (s *Simulation) DeadlinePassed(now time.Time) bool {
	return s.AggregationDeadline != nil && now.After(*s.AggregationDeadline)
}

// WorkItem is the self-contained unit of work handed to a polling node.
type WorkItem struct {
	SimulationID   string     `json:"simulationId"`
	PolicyContent  string     `json:"policyContent"`
	PolicyType     PolicyType `json:"policyType"`
	StartTime      time.Time  `json:"startTime"`
	EndTime        time.Time  `json:"endTime"`
	Namespaces     []string   `json:"namespaces,omitempty"`
	IncludeDetails bool       `json:"includeDetails"`
	MaxDetails     int        `json:"maxDetails"`
	RequestedAt    time.Time  `json:"requestedAt"`
}

// WorkItemFor builds the unit of work for a simulation.
func WorkItemFor(s *Simulation) WorkItem {
	return WorkItem{
		SimulationID:   s.ID,
		PolicyContent:  s.PolicyContent,
		PolicyType:     s.PolicyType,
		StartTime:      s.StartTime,
		EndTime:        s.EndTime,
		Namespaces:     s.Namespaces,
		IncludeDetails: s.IncludeDetails,
		MaxDetails:     s.MaxDetails,
		RequestedAt:    s.CreatedAt,
	}
}

// Finalization describes the terminal write for a simulation.
type Finalization struct {
	Status  Status
	Result  *SimulationResult
	Partial bool
	Note    string
	// BasedOnResults is the number of node results Result was merged from.
	// A negative value skips the check.
	BasedOnResults int
	At             time.Time
}

// CreateSimulationRequest is the body of a simulation request.
type CreateSimulationRequest struct {
	// ClusterID is required for organization credentials and optional for cluster tokens.
	ClusterID      string     `json:"clusterId,omitempty" validate:"omitempty,max=253"`
	PolicyContent  string     `json:"policyContent" validate:"required"`
	PolicyType     PolicyType `json:"policyType" validate:"required,policytype"`
	StartTime      *time.Time `json:"startTime,omitempty"`
	EndTime        *time.Time `json:"endTime,omitempty"`
	Namespaces     []string   `json:"namespaces,omitempty" validate:"omitempty,max=100,dive,required,max=63"`
	IncludeDetails bool       `json:"includeDetails,omitempty"`
	MaxDetails     *int       `json:"maxDetails,omitempty" validate:"omitempty,min=0,max=1000"`
}
