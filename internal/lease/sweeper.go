// Package lease runs the periodic notebook lease sweep. The sweep is a
// safety net behind the per-notebook expiry requeue: it catches leases
// whose timers were lost across controller restarts.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	miniv1 "github.com/kubeflow-mini/kubeflow-mini/api/v1"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/conditions"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/events"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/metrics"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/workload"
)

var log = logf.Log.WithName("lease-sweeper")

// DefaultInterval is the sweep period when none is configured.
const DefaultInterval = 300 * time.Second

// LeaseActiveCondition is the condition type the sweeper flips when it
// expires a lease.
const LeaseActiveCondition = "LeaseActive"

// Sweeper periodically expires overdue notebook leases cluster-wide.
type Sweeper struct {
	Client   client.Client
	Workload *workload.Manager
	Recorder *events.Recorder

	// Interval between sweeps. Zero means DefaultInterval.
	Interval time.Duration

	// HistoryLimit bounds the condition history kept per Notebook.
	HistoryLimit int

	// Now is the clock used for expiry checks. Tests override it.
	Now func() time.Time
}

func (s *Sweeper) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return DefaultInterval
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Sweeper) historyLimit() int {
	if s.HistoryLimit > 0 {
		return s.HistoryLimit
	}
	return conditions.DefaultHistoryLimit
}

// Start runs the sweep schedule until the context is canceled. It
// implements manager.Runnable so the manager owns its lifecycle.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval()), func() {
		if err := s.Sweep(ctx); err != nil {
			log.Error(err, "Lease sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("scheduling lease sweep: %w", err)
	}

	log.Info("Starting lease sweeper", "interval", s.interval())
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}

// NeedLeaderElection keeps the sweep on the elected leader only.
func (s *Sweeper) NeedLeaderElection() bool {
	return true
}

// Sweep lists all notebooks and expires every overdue active lease.
func (s *Sweeper) Sweep(ctx context.Context) error {
	list := &miniv1.NotebookList{}
	if err := s.Client.List(ctx, list); err != nil {
		return fmt.Errorf("listing notebooks: %w", err)
	}

	now := s.now()
	overdue := lo.Filter(list.Items, func(nb miniv1.Notebook, _ int) bool {
		if nb.Status.LeaseStatus != miniv1.LeaseActive || !nb.DeletionTimestamp.IsZero() {
			return false
		}
		expiresAt := nb.LeaseExpiresAt()
		return expiresAt != nil && !now.Before(expiresAt.Time)
	})
	if len(overdue) == 0 {
		return nil
	}
	log.Info("Expiring overdue leases", "count", len(overdue))

	var failed int
	for i := range overdue {
		if err := s.expire(ctx, &overdue[i]); err != nil {
			log.Error(err, "Failed to expire lease",
				"notebook", client.ObjectKeyFromObject(&overdue[i]))
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("failed to expire %d of %d leases", failed, len(overdue))
	}
	return nil
}

func (s *Sweeper) expire(ctx context.Context, nb *miniv1.Notebook) error {
	if err := s.Workload.Stop(ctx, nb); err != nil {
		return err
	}

	nbCopy := nb.DeepCopy()
	nbCopy.Status.Phase = miniv1.NotebookStopped
	nbCopy.Status.LeaseStatus = miniv1.LeaseExpired
	conditions.Set(&nbCopy.Status.Conditions,
		conditions.New(LeaseActiveCondition, miniv1.ConditionFalse, events.ReasonLeaseExpired, "lease expired"),
		s.historyLimit())
	if err := s.Client.Status().Patch(ctx, nbCopy, client.MergeFrom(nb)); err != nil {
		return err
	}

	metrics.LeaseExpirations.WithLabelValues(nb.Namespace).Inc()
	s.Recorder.LeaseExpired(nb)
	log.Info("Lease expired", "notebook", client.ObjectKeyFromObject(nb),
		"leaseStart", nb.Status.LeaseStart)
	return nil
}

