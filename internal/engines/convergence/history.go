package convergence

import (
	"github.com/llm-d-incubation/fleet-slo-controller/api/v1alpha1"
)

// decisionRing keeps the most recent scaling decisions.
type decisionRing struct {
	items []v1alpha1.ScalingDecision
	next  int
	full  bool
}

func newDecisionRing(size int) *decisionRing {
	return &decisionRing{items: make([]v1alpha1.ScalingDecision, size)}
}

func (r *decisionRing) add(d v1alpha1.ScalingDecision) {
	r.items[r.next] = d
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
}

// list returns the decisions oldest first.
func (r *decisionRing) list() []v1alpha1.ScalingDecision {
	if !r.full {
		return append([]v1alpha1.ScalingDecision(nil), r.items[:r.next]...)
	}
	out := make([]v1alpha1.ScalingDecision, 0, len(r.items))
	out = append(out, r.items[r.next:]...)
	return append(out, r.items[:r.next]...)
}
