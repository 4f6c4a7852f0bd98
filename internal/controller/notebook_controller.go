/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	miniv1 "github.com/kubeflow-mini/kubeflow-mini/api/v1"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/conditions"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/events"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/metrics"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/quota"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/retry"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/workload"
)

var notebookLog = logf.Log.WithName("notebook-controller")

// Condition types reported on Notebooks.
const (
	CondLeaseActive = "LeaseActive"
	CondRenewals    = "RenewalsAvailable"
)

// NotebookReconciler manages notebook sessions: quota reservation, the
// backing Deployment and Service, and the lease lifecycle including
// renewals and expiry.
type NotebookReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Quota    *quota.Tracker
	Workload *workload.Manager
	Retry    *retry.Engine
	Recorder *events.Recorder

	// HistoryLimit bounds the condition history kept per Notebook.
	HistoryLimit int

	// Now is the clock used for lease arithmetic. Tests override it.
	Now func() time.Time

	versions *versionTracker
}

func (r *NotebookReconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *NotebookReconciler) historyLimit() int {
	if r.HistoryLimit > 0 {
		return r.HistoryLimit
	}
	return conditions.DefaultHistoryLimit
}

// Reconcile drives a single Notebook toward its desired state.
func (r *NotebookReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := notebookLog.WithValues("notebook", req.NamespacedName)
	if r.versions == nil {
		r.versions = newVersionTracker()
	}

	nb := &miniv1.Notebook{}
	if err := r.Get(ctx, req.NamespacedName, nb); err != nil {
		if errors.IsNotFound(err) {
			r.versions.Forget(req.NamespacedName)
			r.Retry.Forget(req.NamespacedName.String())
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	if r.versions.Stale(req.NamespacedName, nb.ResourceVersion) {
		return ctrl.Result{}, nil
	}

	if !nb.DeletionTimestamp.IsZero() {
		return r.reconcileDelete(ctx, nb)
	}

	if !controllerutil.ContainsFinalizer(nb, Finalizer) {
		controllerutil.AddFinalizer(nb, Finalizer)
		if err := r.Update(ctx, nb); err != nil {
			return ctrl.Result{}, err
		}
		return ctrl.Result{}, nil
	}

	if nb.Status.Reserved == nil {
		return r.reconcileAdmission(ctx, log, nb)
	}

	if _, ok := nb.Annotations[miniv1.RenewLeaseAnnotation]; ok {
		return r.reconcileRenewal(ctx, log, nb)
	}

	return r.reconcileLease(ctx, log, nb)
}

// reconcileAdmission reserves quota and starts the notebook with a
// fresh lease.
func (r *NotebookReconciler) reconcileAdmission(ctx context.Context, log logr.Logger, nb *miniv1.Notebook) (ctrl.Result, error) {
	project := &miniv1.Project{}
	if err := r.Get(ctx, types.NamespacedName{Name: nb.Spec.ProjectRef}, project); err != nil {
		if errors.IsNotFound(err) {
			r.Recorder.InvalidReference(nb, "Project", nb.Spec.ProjectRef, "not found")
			return ctrl.Result{}, r.patchStatus(ctx, nb, func(s *miniv1.NotebookStatus) {
				conditions.Set(&s.Conditions,
					conditions.New(CondAdmitted, miniv1.ConditionFalse, "ProjectNotFound",
						fmt.Sprintf("project %q not found", nb.Spec.ProjectRef)),
					r.historyLimit())
			})
		}
		return ctrl.Result{}, err
	}
	if project.Status.Phase != miniv1.ProjectActive {
		r.Recorder.InvalidReference(nb, "Project", nb.Spec.ProjectRef, "is not active")
		return ctrl.Result{}, r.patchStatus(ctx, nb, func(s *miniv1.NotebookStatus) {
			conditions.Set(&s.Conditions,
				conditions.New(CondAdmitted, miniv1.ConditionFalse, "ProjectInactive",
					fmt.Sprintf("project %q is %s", nb.Spec.ProjectRef, project.Status.Phase)),
				r.historyLimit())
		})
	}

	delta := quota.DeltaForNotebook(nb.Spec)
	key := client.ObjectKeyFromObject(nb).String()
	if err := r.Quota.Reserve(ctx, nb.Spec.ProjectRef, delta); err != nil {
		if qe, ok := quota.AsQuotaExceeded(err); ok {
			r.Recorder.QuotaExceeded(nb, qe)
			delay := r.Retry.NextDelay(retry.OpCreate, key)
			log.Info("Quota exceeded, waiting", "dimension", qe.Dimension, "requeueAfter", delay)
			if err := r.patchStatus(ctx, nb, func(s *miniv1.NotebookStatus) {
				s.Phase = miniv1.NotebookPending
				conditions.Set(&s.Conditions,
					conditions.New(CondAdmitted, miniv1.ConditionFalse, events.ReasonQuotaExceeded, qe.Error()),
					r.historyLimit())
			}); err != nil {
				return ctrl.Result{}, err
			}
			return ctrl.Result{RequeueAfter: delay}, nil
		}
		return ctrl.Result{}, err
	}
	r.Retry.Forget(key)
	r.Recorder.Admitted(nb, nb.Spec.ProjectRef)

	if err := r.Workload.EnsureRunning(ctx, nb); err != nil {
		return ctrl.Result{}, err
	}

	now := metav1.NewTime(r.now())
	if err := r.patchStatus(ctx, nb, func(s *miniv1.NotebookStatus) {
		s.Phase = miniv1.NotebookRunning
		s.LeaseStatus = miniv1.LeaseActive
		s.LeaseStart = &now
		s.Reserved = delta.DeepCopy()
		conditions.Set(&s.Conditions,
			conditions.New(CondAdmitted, miniv1.ConditionTrue, events.ReasonAdmitted, "quota reserved"),
			r.historyLimit())
		conditions.Set(&s.Conditions,
			conditions.New(CondLeaseActive, miniv1.ConditionTrue, "LeaseStarted", "lease started"),
			r.historyLimit())
	}); err != nil {
		return ctrl.Result{}, err
	}

	r.versions.Mark(client.ObjectKeyFromObject(nb), nb.ResourceVersion)
	return ctrl.Result{RequeueAfter: nb.Spec.LeaseDuration.Duration}, nil
}

// reconcileRenewal consumes the renew annotation. A renewal past the
// limit leaves lease state untouched.
func (r *NotebookReconciler) reconcileRenewal(ctx context.Context, log logr.Logger, nb *miniv1.Notebook) (ctrl.Result, error) {
	nbCopy := nb.DeepCopy()
	delete(nbCopy.Annotations, miniv1.RenewLeaseAnnotation)
	if err := r.Patch(ctx, nbCopy, client.MergeFrom(nb)); err != nil {
		return ctrl.Result{}, err
	}
	nb.Annotations = nbCopy.Annotations

	if nb.Status.LeaseStatus != miniv1.LeaseActive && nb.Status.LeaseStatus != miniv1.LeaseExpired {
		return ctrl.Result{}, nil
	}

	maxRenewals := nb.Spec.MaxLeaseRenewals
	if nb.Status.LeaseRenewalCount >= maxRenewals {
		log.Info("Renewal limit reached", "renewals", nb.Status.LeaseRenewalCount, "max", maxRenewals)
		r.Recorder.LeaseRenewalExhausted(nb, maxRenewals)
		if err := r.patchStatus(ctx, nb, func(s *miniv1.NotebookStatus) {
			conditions.Set(&s.Conditions,
				conditions.New(CondRenewals, miniv1.ConditionFalse, events.ReasonLeaseRenewalExceeded,
					fmt.Sprintf("renewal limit of %d reached", maxRenewals)),
				r.historyLimit())
		}); err != nil {
			return ctrl.Result{}, err
		}
		return ctrl.Result{}, nil
	}

	if err := r.Workload.EnsureRunning(ctx, nb); err != nil {
		return ctrl.Result{}, err
	}

	now := metav1.NewTime(r.now())
	if err := r.patchStatus(ctx, nb, func(s *miniv1.NotebookStatus) {
		s.Phase = miniv1.NotebookRunning
		s.LeaseStatus = miniv1.LeaseActive
		s.LeaseStart = &now
		s.LeaseRenewalCount++
		conditions.Set(&s.Conditions,
			conditions.New(CondLeaseActive, miniv1.ConditionTrue, events.ReasonLeaseRenewed, "lease renewed"),
			r.historyLimit())
	}); err != nil {
		return ctrl.Result{}, err
	}
	r.Recorder.LeaseRenewed(nb, nb.Status.LeaseRenewalCount, maxRenewals)
	log.Info("Lease renewed", "renewals", nb.Status.LeaseRenewalCount)

	r.versions.Mark(client.ObjectKeyFromObject(nb), nb.ResourceVersion)
	return ctrl.Result{RequeueAfter: nb.Spec.LeaseDuration.Duration}, nil
}

// reconcileLease applies the stop flag and expires overdue leases. An
// active lease requeues at its expiry time so expiry does not depend on
// the sweep interval alone.
func (r *NotebookReconciler) reconcileLease(ctx context.Context, log logr.Logger, nb *miniv1.Notebook) (ctrl.Result, error) {
	if nb.Spec.Stopped && nb.Status.Phase != miniv1.NotebookStopped {
		if err := r.Workload.Stop(ctx, nb); err != nil {
			return ctrl.Result{}, err
		}
		if err := r.patchStatus(ctx, nb, func(s *miniv1.NotebookStatus) {
			s.Phase = miniv1.NotebookStopped
		}); err != nil {
			return ctrl.Result{}, err
		}
		r.versions.Mark(client.ObjectKeyFromObject(nb), nb.ResourceVersion)
		return ctrl.Result{}, nil
	}

	if nb.Status.LeaseStatus == miniv1.LeaseActive {
		expiresAt := nb.LeaseExpiresAt()
		if expiresAt != nil && !r.now().Before(expiresAt.Time) {
			return ctrl.Result{}, r.expireLease(ctx, log, nb)
		}

		if !nb.Spec.Stopped && nb.Status.Phase != miniv1.NotebookRunning {
			if err := r.Workload.EnsureRunning(ctx, nb); err != nil {
				return ctrl.Result{}, err
			}
			if err := r.patchStatus(ctx, nb, func(s *miniv1.NotebookStatus) {
				s.Phase = miniv1.NotebookRunning
			}); err != nil {
				return ctrl.Result{}, err
			}
		}

		r.versions.Mark(client.ObjectKeyFromObject(nb), nb.ResourceVersion)
		if expiresAt != nil {
			return ctrl.Result{RequeueAfter: expiresAt.Time.Sub(r.now())}, nil
		}
		return ctrl.Result{}, nil
	}

	r.versions.Mark(client.ObjectKeyFromObject(nb), nb.ResourceVersion)
	return ctrl.Result{}, nil
}

// expireLease stops the workload and marks the lease expired. The quota
// reservation stays held; a renewal brings the notebook back without a
// new admission.
func (r *NotebookReconciler) expireLease(ctx context.Context, log logr.Logger, nb *miniv1.Notebook) error {
	log.Info("Lease expired", "leaseStart", nb.Status.LeaseStart)
	if err := r.Workload.Stop(ctx, nb); err != nil {
		return err
	}
	if err := r.patchStatus(ctx, nb, func(s *miniv1.NotebookStatus) {
		s.Phase = miniv1.NotebookStopped
		s.LeaseStatus = miniv1.LeaseExpired
		conditions.Set(&s.Conditions,
			conditions.New(CondLeaseActive, miniv1.ConditionFalse, events.ReasonLeaseExpired, "lease expired"),
			r.historyLimit())
	}); err != nil {
		return err
	}
	metrics.LeaseExpirations.WithLabelValues(nb.Namespace).Inc()
	r.Recorder.LeaseExpired(nb)
	r.versions.Mark(client.ObjectKeyFromObject(nb), nb.ResourceVersion)
	return nil
}

// reconcileDelete tears down the workload, releases the reservation and
// drops the finalizer. Errors requeue so cleanup is never abandoned.
func (r *NotebookReconciler) reconcileDelete(ctx context.Context, nb *miniv1.Notebook) (ctrl.Result, error) {
	if !controllerutil.ContainsFinalizer(nb, Finalizer) {
		return ctrl.Result{}, nil
	}

	if err := r.Retry.Do(ctx, retry.OpDelete, func(ctx context.Context) error {
		return r.Workload.Delete(ctx, nb)
	}); err != nil {
		return ctrl.Result{}, err
	}

	if nb.Status.Reserved != nil {
		if err := r.Quota.Release(ctx, nb.Spec.ProjectRef, *nb.Status.Reserved); err != nil {
			return ctrl.Result{}, err
		}
		if err := r.patchStatus(ctx, nb, func(s *miniv1.NotebookStatus) {
			s.Reserved = nil
		}); err != nil {
			return ctrl.Result{}, err
		}
	}

	// The status patch above bumped the resourceVersion, so drop the
	// finalizer on a fresh copy.
	latest := &miniv1.Notebook{}
	if err := r.Get(ctx, client.ObjectKeyFromObject(nb), latest); err != nil {
		if errors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}
	controllerutil.RemoveFinalizer(latest, Finalizer)
	if err := r.Update(ctx, latest); err != nil {
		return ctrl.Result{}, err
	}
	key := client.ObjectKeyFromObject(nb)
	r.versions.Forget(key)
	r.Retry.Forget(key.String())
	return ctrl.Result{}, nil
}

func (r *NotebookReconciler) patchStatus(ctx context.Context, nb *miniv1.Notebook, mutate func(*miniv1.NotebookStatus)) error {
	nbCopy := nb.DeepCopy()
	mutate(&nbCopy.Status)
	if err := r.Status().Patch(ctx, nbCopy, client.MergeFrom(nb)); err != nil {
		return err
	}
	nb.Status = nbCopy.Status
	return nil
}

// SetupWithManager sets up the controller with the Manager.
func (r *NotebookReconciler) SetupWithManager(mgr ctrl.Manager) error {
	r.versions = newVersionTracker()

	notebookLog.Info("Setting up Notebook controller")

	return ctrl.NewControllerManagedBy(mgr).
		For(&miniv1.Notebook{}).
		Owns(&appsv1.Deployment{}).
		Owns(&corev1.Service{}).
		WithOptions(controller.Options{
			RateLimiter: r.Retry.RateLimiter(),
		}).
		Named("notebook").
		Complete(r)
}
