package model

import "time"

// AllocationState tracks the command lifecycle of a single allocation.
type AllocationState string

const (
	AllocationPlanned  AllocationState = "planned"
	AllocationExecuted AllocationState = "executed"
	AllocationFailed   AllocationState = "failed"
	AllocationReleased AllocationState = "released"
)

// StrategyPriorityFill is the greedy enrollment-order fill.
const StrategyPriorityFill = "priority_fill"

// FallbackReduceProportionally scales the commitment by the available share.
const FallbackReduceProportionally = "reduce_proportionally"

// ResourceAllocation is the share of a participation assigned to one resource.
type ResourceAllocation struct {
	ResourceID          string             `json:"resource_id"`
	ResourceType        ResourceType       `json:"resource_type"`
	TargetCapacityKW    float64            `json:"target_capacity_kw"`
	Priority            int                `json:"priority"`
	AvailableCapacityKW float64            `json:"available_capacity_kw"`
	Constraints         map[string]float64 `json:"constraints,omitempty"`
	State               AllocationState    `json:"state"`
	CommandID           string             `json:"command_id,omitempty"`
}

// FallbackRule triggers Action when resource availability drops below the threshold.
type FallbackRule struct {
	AvailabilityThresholdPct float64 `json:"availability_threshold_pct"`
	Action                   string  `json:"action"`
}

// FallbackPlan holds the contingency rules of a response plan.
type FallbackPlan struct {
	Rules []FallbackRule `json:"rules"`
}

// DefaultFallbackPlan reduces the commitment proportionally below 80% availability.
func DefaultFallbackPlan() *FallbackPlan {
	return &FallbackPlan{Rules: []FallbackRule{{AvailabilityThresholdPct: 80, Action: FallbackReduceProportionally}}}
}

// ResponsePlan is the per-resource allocation fulfilling a participation.
type ResponsePlan struct {
	ID                  int64                `json:"id"`
	ParticipationID     int64                `json:"participation_id"`
	Strategy            string               `json:"strategy"`
	Allocations         []ResourceAllocation `json:"allocations"`
	UnallocatedKW       float64              `json:"unallocated_kw"`
	Fallback            *FallbackPlan        `json:"fallback,omitempty"`
	FallbackTriggered   bool                 `json:"fallback_triggered"`
	EffectiveCapacityKW float64              `json:"effective_capacity_kw"`
	ExecutedAt          *time.Time           `json:"executed_at,omitempty"`
	ReleasedAt          *time.Time           `json:"released_at,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// TotalTargetKW sums the allocation targets.
func (p ResponsePlan) TotalTargetKW() float64 {
	var sum float64
	for _, a := range p.Allocations {
		sum += a.TargetCapacityKW
	}
	return sum
}

// Allocation returns a pointer to the allocation for resource id.
func (p *ResponsePlan) Allocation(id string) *ResourceAllocation {
	for i := range p.Allocations {
		if p.Allocations[i].ResourceID == id {
			return &p.Allocations[i]
		}
	}
	return nil
}

// Clone returns a deep copy.
func (p ResponsePlan) Clone() ResponsePlan {
	allocs := make([]ResourceAllocation, len(p.Allocations))
	for i, a := range p.Allocations {
		if a.Constraints != nil {
			c := make(map[string]float64, len(a.Constraints))
			for k, v := range a.Constraints {
				c[k] = v
			}
			a.Constraints = c
		}
		allocs[i] = a
	}
	p.Allocations = allocs
	if p.Fallback != nil {
		fb := FallbackPlan{Rules: append([]FallbackRule(nil), p.Fallback.Rules...)}
		p.Fallback = &fb
	}
	p.ExecutedAt = cloneTime(p.ExecutedAt)
	p.ReleasedAt = cloneTime(p.ReleasedAt)
	return p
}
