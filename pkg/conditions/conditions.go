// Package conditions manipulates the shared condition log carried by all
// kubeflow-mini resource kinds. The log is append-mostly and deduplicated
// by condition type: a newer observation for a type replaces the previous
// entry in place, and the log is bounded to the most recent distinct types.
package conditions

import (
	"github.com/samber/lo"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	miniv1 "github.com/kubeflow-mini/kubeflow-mini/api/v1"
)

// DefaultHistoryLimit bounds the number of distinct condition types kept
// when no limit is configured.
const DefaultHistoryLimit = 8

// New builds a condition with LastTransitionTime set to now.
func New(condType string, status miniv1.ConditionStatus, reason, message string) miniv1.Condition {
	return miniv1.Condition{
		Type:               condType,
		Status:             status,
		LastTransitionTime: metav1.Now(),
		Reason:             reason,
		Message:            message,
	}
}

// Set upserts cond into conds, deduplicating by type. When the existing
// entry has the same status, its LastTransitionTime is preserved so the
// transition time reflects the actual transition, not the observation.
// The log keeps at most limit distinct types, dropping the oldest
// entries first. A non-positive limit means DefaultHistoryLimit.
func Set(conds *[]miniv1.Condition, cond miniv1.Condition, limit int) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	if existing, idx, found := lo.FindIndexOf(*conds, func(c miniv1.Condition) bool { return c.Type == cond.Type }); found {
		if existing.Status == cond.Status {
			cond.LastTransitionTime = existing.LastTransitionTime
		}
		(*conds)[idx] = cond
		return
	}

	out := append(*conds, cond)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	*conds = out
}

// Get returns the condition of the given type, or nil.
func Get(conds []miniv1.Condition, condType string) *miniv1.Condition {
	for i := range conds {
		if conds[i].Type == condType {
			return &conds[i]
		}
	}
	return nil
}

// IsTrue reports whether the condition of the given type exists with
// status True.
func IsTrue(conds []miniv1.Condition, condType string) bool {
	c := Get(conds, condType)
	return c != nil && c.Status == miniv1.ConditionTrue
}
