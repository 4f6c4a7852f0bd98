// Package quota maintains per-Project aggregate resource usage and admits
// or rejects workload creation against the Project's quota. All usage
// mutation goes through Reserve/Release, each a single atomic
// read-modify-write against the Project status subresource with
// optimistic-concurrency retry.
package quota

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	miniv1 "github.com/kubeflow-mini/kubeflow-mini/api/v1"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/metrics"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/retry"
)

var log = logf.Log.WithName("quota-tracker")

// Dimension names one quota axis tracked per Project.
type Dimension string

const (
	DimGPU     Dimension = "gpu"
	DimCPU     Dimension = "cpu"
	DimMemory  Dimension = "memory"
	DimStorage Dimension = "storage"
	DimJobs    Dimension = "jobs"
)

// QuotaExceededError names the first violated dimension of a rejected
// reservation. It is a policy rejection, not a transient failure: callers
// record it as a condition and wait.
type QuotaExceededError struct {
	Project   string
	Dimension Dimension
	Requested string
	Used      string
	Limit     string
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded on project %q: dimension %s (requested %s, used %s, limit %s)",
		e.Project, e.Dimension, e.Requested, e.Used, e.Limit)
}

// AsQuotaExceeded extracts a QuotaExceededError from err, if any.
func AsQuotaExceeded(err error) (*QuotaExceededError, bool) {
	var qe *QuotaExceededError
	ok := errors.As(err, &qe)
	return qe, ok
}

// Tracker is the quota tracker. The resource store's conditional update
// is the only synchronization primitive: a conflicting writer forces a
// fresh read-check-commit cycle.
type Tracker struct {
	client client.Client
	retry  *retry.Engine
}

// NewTracker builds a Tracker.
func NewTracker(c client.Client, r *retry.Engine) *Tracker {
	return &Tracker{client: c, retry: r}
}

// Reserve atomically checks usage+delta against every quota dimension of
// the named Project and commits the new usage. All dimensions pass or
// none are applied. A violation returns QuotaExceededError and leaves
// usage unchanged.
func (t *Tracker) Reserve(ctx context.Context, project string, delta miniv1.ResourceUsage) error {
	return t.retry.Do(ctx, retry.OpUpdate, func(ctx context.Context) error {
		var p miniv1.Project
		if err := t.client.Get(ctx, types.NamespacedName{Name: project}, &p); err != nil {
			return err
		}

		next := addUsage(p.Status.Usage, delta)
		if qe := firstViolation(project, next, delta, p.Spec.Quota); qe != nil {
			metrics.QuotaRejections.WithLabelValues(project, string(qe.Dimension)).Inc()
			return qe
		}

		p.Status.Usage = next
		if err := t.client.Status().Update(ctx, &p); err != nil {
			return err
		}
		publishUsage(&p)
		return nil
	})
}

// Release atomically decrements usage by delta, clamping every dimension
// at zero. A clamp indicates a double-release (normally prevented by the
// reserved-delta bookkeeping on the owning resource) and is logged as an
// inconsistency warning.
func (t *Tracker) Release(ctx context.Context, project string, delta miniv1.ResourceUsage) error {
	return t.retry.Do(ctx, retry.OpUpdate, func(ctx context.Context) error {
		var p miniv1.Project
		if err := t.client.Get(ctx, types.NamespacedName{Name: project}, &p); err != nil {
			return err
		}

		next, clamped := subUsage(p.Status.Usage, delta)
		if len(clamped) > 0 {
			log.Info("usage clamped at zero during release; possible double-release",
				"project", project, "dimensions", clamped)
		}

		p.Status.Usage = next
		if err := t.client.Status().Update(ctx, &p); err != nil {
			return err
		}
		publishUsage(&p)
		return nil
	})
}

func publishUsage(p *miniv1.Project) {
	u := p.Status.Usage
	metrics.ProjectUsage.WithLabelValues(p.Name, string(DimGPU)).Set(float64(u.GPU))
	metrics.ProjectUsage.WithLabelValues(p.Name, string(DimCPU)).Set(float64(u.CPU.MilliValue()) / 1000)
	metrics.ProjectUsage.WithLabelValues(p.Name, string(DimMemory)).Set(float64(u.Memory.Value()))
	metrics.ProjectUsage.WithLabelValues(p.Name, string(DimStorage)).Set(float64(u.Storage.Value()))
	metrics.ProjectUsage.WithLabelValues(p.Name, string(DimJobs)).Set(float64(u.CurrentJobs))
}

func addUsage(u, d miniv1.ResourceUsage) miniv1.ResourceUsage {
	out := *u.DeepCopy()
	out.GPU += d.GPU
	out.CPU.Add(d.CPU)
	out.Memory.Add(d.Memory)
	out.Storage.Add(d.Storage)
	out.CurrentJobs += d.CurrentJobs
	return out
}

func subUsage(u, d miniv1.ResourceUsage) (miniv1.ResourceUsage, []Dimension) {
	out := *u.DeepCopy()
	var clamped []Dimension

	out.GPU -= d.GPU
	if out.GPU < 0 {
		out.GPU = 0
		clamped = append(clamped, DimGPU)
	}
	out.CPU.Sub(d.CPU)
	if out.CPU.Sign() < 0 {
		out.CPU = resource.Quantity{}
		clamped = append(clamped, DimCPU)
	}
	out.Memory.Sub(d.Memory)
	if out.Memory.Sign() < 0 {
		out.Memory = resource.Quantity{}
		clamped = append(clamped, DimMemory)
	}
	out.Storage.Sub(d.Storage)
	if out.Storage.Sign() < 0 {
		out.Storage = resource.Quantity{}
		clamped = append(clamped, DimStorage)
	}
	out.CurrentJobs -= d.CurrentJobs
	if out.CurrentJobs < 0 {
		out.CurrentJobs = 0
		clamped = append(clamped, DimJobs)
	}
	return out, clamped
}

// firstViolation checks candidate usage against the quota. A zero limit
// leaves that dimension unconstrained. Only dimensions the delta actually
// touches are checked, so an already-over project does not block
// unrelated reservations.
func firstViolation(project string, next, delta miniv1.ResourceUsage, q miniv1.ProjectQuota) *QuotaExceededError {
	if delta.GPU > 0 && q.GPULimit > 0 && next.GPU > q.GPULimit {
		return &QuotaExceededError{
			Project: project, Dimension: DimGPU,
			Requested: fmt.Sprintf("%d", delta.GPU),
			Used:      fmt.Sprintf("%d", next.GPU-delta.GPU),
			Limit:     fmt.Sprintf("%d", q.GPULimit),
		}
	}
	if !delta.CPU.IsZero() && !q.CPULimit.IsZero() && next.CPU.Cmp(q.CPULimit) > 0 {
		return &QuotaExceededError{
			Project: project, Dimension: DimCPU,
			Requested: delta.CPU.String(), Used: prevQuantity(next.CPU, delta.CPU), Limit: q.CPULimit.String(),
		}
	}
	if !delta.Memory.IsZero() && !q.MemoryLimit.IsZero() && next.Memory.Cmp(q.MemoryLimit) > 0 {
		return &QuotaExceededError{
			Project: project, Dimension: DimMemory,
			Requested: delta.Memory.String(), Used: prevQuantity(next.Memory, delta.Memory), Limit: q.MemoryLimit.String(),
		}
	}
	if !delta.Storage.IsZero() && !q.StorageLimit.IsZero() && next.Storage.Cmp(q.StorageLimit) > 0 {
		return &QuotaExceededError{
			Project: project, Dimension: DimStorage,
			Requested: delta.Storage.String(), Used: prevQuantity(next.Storage, delta.Storage), Limit: q.StorageLimit.String(),
		}
	}
	if delta.CurrentJobs > 0 && q.MaxJobs > 0 && next.CurrentJobs > q.MaxJobs {
		return &QuotaExceededError{
			Project: project, Dimension: DimJobs,
			Requested: fmt.Sprintf("%d", delta.CurrentJobs),
			Used:      fmt.Sprintf("%d", next.CurrentJobs-delta.CurrentJobs),
			Limit:     fmt.Sprintf("%d", q.MaxJobs),
		}
	}
	return nil
}

func prevQuantity(next, delta resource.Quantity) string {
	prev := next.DeepCopy()
	prev.Sub(delta)
	return prev.String()
}
