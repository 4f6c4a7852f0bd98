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

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	miniv1 "github.com/kubeflow-mini/kubeflow-mini/api/v1"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/conditions"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/events"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/metrics"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/quota"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/retry"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/training"
)

var mljobLog = logf.Log.WithName("mljob-controller")

// Finalizer guards quota release and external cleanup on deletion.
const Finalizer = "kubeflow-mini.io/finalizer"

// Condition types reported on MLJobs.
const (
	CondAdmitted    = "Admitted"
	CondCreated     = "Created"
	CondValidated   = "Validated"
	CondSpecIgnored = "SpecIgnored"
)

// MLJobReconciler reconciles an MLJob: it validates project and owner
// references, reserves quota, submits the external training job, and
// mirrors the external phase back onto the MLJob status.
type MLJobReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Quota    *quota.Tracker
	Training *training.Client
	Retry    *retry.Engine
	Recorder *events.Recorder

	// TrainingGVKs lists the external training-job kinds to watch for
	// status changes.
	TrainingGVKs []schema.GroupVersionKind

	// HistoryLimit bounds the condition history kept per MLJob.
	HistoryLimit int

	versions *versionTracker
}

func (r *MLJobReconciler) historyLimit() int {
	if r.HistoryLimit > 0 {
		return r.HistoryLimit
	}
	return conditions.DefaultHistoryLimit
}

// Reconcile drives a single MLJob toward its desired state.
func (r *MLJobReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := mljobLog.WithValues("mljob", req.NamespacedName)
	if r.versions == nil {
		r.versions = newVersionTracker()
	}

	job := &miniv1.MLJob{}
	if err := r.Get(ctx, req.NamespacedName, job); err != nil {
		if errors.IsNotFound(err) {
			r.versions.Forget(req.NamespacedName)
			r.Retry.Forget(req.NamespacedName.String())
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	if r.versions.Stale(req.NamespacedName, job.ResourceVersion) {
		log.V(1).Info("Skipping already processed resource version", "resourceVersion", job.ResourceVersion)
		return ctrl.Result{}, nil
	}

	if !job.DeletionTimestamp.IsZero() {
		return r.reconcileDelete(ctx, log, job)
	}

	if !controllerutil.ContainsFinalizer(job, Finalizer) {
		controllerutil.AddFinalizer(job, Finalizer)
		if err := r.Update(ctx, job); err != nil {
			return ctrl.Result{}, err
		}
		return ctrl.Result{}, nil
	}

	if job.Status.Reserved == nil {
		return r.reconcileAdmission(ctx, log, job)
	}

	if job.Generation > job.Status.ObservedGeneration {
		if err := r.markSpecIgnored(ctx, job); err != nil {
			return ctrl.Result{}, err
		}
		return ctrl.Result{}, nil
	}

	return r.reconcileMirror(ctx, log, job)
}

// reconcileAdmission validates references, reserves quota and submits
// the external training job. Reference and payload problems are
// permanent failures; quota exhaustion waits with escalating delays.
func (r *MLJobReconciler) reconcileAdmission(ctx context.Context, log logr.Logger, job *miniv1.MLJob) (ctrl.Result, error) {
	project := &miniv1.Project{}
	if err := r.Get(ctx, types.NamespacedName{Name: job.Spec.ProjectRef}, project); err != nil {
		if errors.IsNotFound(err) {
			r.Recorder.InvalidReference(job, "Project", job.Spec.ProjectRef, "not found")
			return ctrl.Result{}, r.failPermanently(ctx, job, CondValidated, "ProjectNotFound",
				fmt.Sprintf("project %q not found", job.Spec.ProjectRef))
		}
		return ctrl.Result{}, err
	}
	if project.Status.Phase != miniv1.ProjectActive {
		r.Recorder.InvalidReference(job, "Project", job.Spec.ProjectRef, "is not active")
		return ctrl.Result{}, r.failPermanently(ctx, job, CondValidated, "ProjectInactive",
			fmt.Sprintf("project %q is %s", job.Spec.ProjectRef, project.Status.Phase))
	}

	owner := &miniv1.Owner{}
	if err := r.Get(ctx, types.NamespacedName{Name: job.Spec.OwnerRef}, owner); err != nil {
		if errors.IsNotFound(err) {
			r.Recorder.InvalidReference(job, "Owner", job.Spec.OwnerRef, "not found")
			return ctrl.Result{}, r.failPermanently(ctx, job, CondValidated, "OwnerNotFound",
				fmt.Sprintf("owner %q not found", job.Spec.OwnerRef))
		}
		return ctrl.Result{}, err
	}
	if owner.Status.Phase == miniv1.OwnerInactive {
		r.Recorder.InvalidReference(job, "Owner", job.Spec.OwnerRef, "is not active")
		return ctrl.Result{}, r.failPermanently(ctx, job, CondValidated, "OwnerInactive",
			fmt.Sprintf("owner %q is inactive", job.Spec.OwnerRef))
	}

	delta, err := quota.DeltaForTraining(job.Spec.Training)
	if err != nil {
		return ctrl.Result{}, r.failPermanently(ctx, job, CondValidated, "InvalidTraining", err.Error())
	}

	key := client.ObjectKeyFromObject(job).String()
	if err := r.Quota.Reserve(ctx, job.Spec.ProjectRef, delta); err != nil {
		if qe, ok := quota.AsQuotaExceeded(err); ok {
			r.Recorder.QuotaExceeded(job, qe)
			delay := r.Retry.NextDelay(retry.OpCreate, key)
			log.Info("Quota exceeded, waiting", "dimension", qe.Dimension, "requeueAfter", delay)
			if err := r.patchStatus(ctx, job, func(s *miniv1.MLJobStatus) {
				s.Phase = miniv1.MLJobPending
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
	r.Recorder.Admitted(job, job.Spec.ProjectRef)

	if err := r.patchStatus(ctx, job, func(s *miniv1.MLJobStatus) {
		s.Phase = miniv1.MLJobPending
		s.Reserved = delta.DeepCopy()
		s.ObservedGeneration = job.Generation
		conditions.Set(&s.Conditions,
			conditions.New(CondAdmitted, miniv1.ConditionTrue, events.ReasonAdmitted, "quota reserved"),
			r.historyLimit())
		conditions.Set(&s.Conditions,
			conditions.New(CondValidated, miniv1.ConditionTrue, "ReferencesValid", "project and owner validated"),
			r.historyLimit())
	}); err != nil {
		return ctrl.Result{}, err
	}

	err = r.Retry.Do(ctx, retry.OpCreate, func(ctx context.Context) error {
		return r.Training.Create(ctx, job, owner.Spec.Department)
	})
	if err != nil {
		if training.IsInvalidTraining(err) {
			r.releaseReservation(ctx, job)
			return ctrl.Result{}, r.failPermanently(ctx, job, CondCreated, "InvalidTraining", err.Error())
		}
		if retry.IsExhausted(err) {
			r.Recorder.RetriesExhausted(job, err)
			r.releaseReservation(ctx, job)
			return ctrl.Result{}, r.failPermanently(ctx, job, CondCreated, events.ReasonRetriesExhausted, err.Error())
		}
		return ctrl.Result{}, err
	}
	r.Recorder.Created(job, job.Spec.Training.Kind, job.Name)

	if err := r.patchStatus(ctx, job, func(s *miniv1.MLJobStatus) {
		conditions.Set(&s.Conditions,
			conditions.New(CondCreated, miniv1.ConditionTrue, events.ReasonCreated,
				fmt.Sprintf("%s %s created", job.Spec.Training.Kind, job.Name)),
			r.historyLimit())
	}); err != nil {
		return ctrl.Result{}, err
	}

	r.versions.Mark(client.ObjectKeyFromObject(job), job.ResourceVersion)
	return ctrl.Result{}, nil
}

// reconcileMirror copies the external training job's phase onto the
// MLJob. The first terminal observation fixes the completion time and
// frees the job-count quota slot; the remaining dimensions stay held
// until deletion.
func (r *MLJobReconciler) reconcileMirror(ctx context.Context, log logr.Logger, job *miniv1.MLJob) (ctrl.Result, error) {
	obj, err := r.Training.Get(ctx, job)
	if err != nil {
		return ctrl.Result{}, err
	}

	phase := r.observedPhase(obj, job)
	if phase == job.Status.Phase {
		r.versions.Mark(client.ObjectKeyFromObject(job), job.ResourceVersion)
		return ctrl.Result{}, nil
	}

	log.Info("Observed phase transition", "from", job.Status.Phase, "to", phase)
	metrics.JobPhaseTransitions.WithLabelValues(string(phase)).Inc()

	if phase.IsTerminal() && !job.Status.JobCountReleased && job.Status.Reserved != nil {
		if err := r.Quota.Release(ctx, job.Spec.ProjectRef, quota.JobCountOnly(*job.Status.Reserved)); err != nil {
			return ctrl.Result{}, err
		}
	}

	now := metav1.Now()
	if err := r.patchStatus(ctx, job, func(s *miniv1.MLJobStatus) {
		s.Phase = phase
		if phase == miniv1.MLJobRunning && s.StartTime == nil {
			s.StartTime = &now
		}
		if phase.IsTerminal() {
			if s.CompletionTime == nil {
				s.CompletionTime = &now
			}
			s.JobCountReleased = true
		}
		reason := "Phase" + string(phase)
		conditions.Set(&s.Conditions,
			conditions.New(CondCreated, miniv1.ConditionTrue, reason,
				fmt.Sprintf("external training job is %s", phase)),
			r.historyLimit())
	}); err != nil {
		return ctrl.Result{}, err
	}

	switch phase {
	case miniv1.MLJobSucceeded:
		r.Recorder.Completed(job)
	case miniv1.MLJobFailed:
		r.Recorder.Failed(job, "external training job failed")
	}

	r.versions.Mark(client.ObjectKeyFromObject(job), job.ResourceVersion)
	return ctrl.Result{}, nil
}

// observedPhase maps the external object's reported phase. A missing
// external object after successful submission reads as Unknown; before
// any report it stays Pending.
func (r *MLJobReconciler) observedPhase(obj *unstructured.Unstructured, job *miniv1.MLJob) miniv1.MLJobPhase {
	if obj == nil {
		if job.Status.Phase.IsTerminal() {
			return job.Status.Phase
		}
		return miniv1.MLJobUnknown
	}
	return training.MapPhase(training.ExtractPhase(obj))
}

// reconcileDelete removes the external training job, waits for it to be
// gone, releases the remaining reservation and drops the finalizer.
// Errors requeue so cleanup is never abandoned.
func (r *MLJobReconciler) reconcileDelete(ctx context.Context, log logr.Logger, job *miniv1.MLJob) (ctrl.Result, error) {
	if !controllerutil.ContainsFinalizer(job, Finalizer) {
		return ctrl.Result{}, nil
	}
	log.Info("Cleaning up MLJob")

	if _, err := training.GVK(job.Spec.Training); err == nil {
		if err := r.Retry.Do(ctx, retry.OpDelete, func(ctx context.Context) error {
			return r.Training.Delete(ctx, job)
		}); err != nil {
			return ctrl.Result{}, err
		}
		obj, err := r.Training.Get(ctx, job)
		if err != nil {
			return ctrl.Result{}, err
		}
		if obj != nil {
			delay := r.Retry.NextDelay(retry.OpDelete, client.ObjectKeyFromObject(job).String())
			log.Info("Waiting for external training job deletion", "requeueAfter", delay)
			return ctrl.Result{RequeueAfter: delay}, nil
		}
	}

	if job.Status.Reserved != nil {
		delta := *job.Status.Reserved
		if job.Status.JobCountReleased {
			delta = quota.WithoutJobCount(delta)
		}
		if err := r.Quota.Release(ctx, job.Spec.ProjectRef, delta); err != nil {
			return ctrl.Result{}, err
		}
		if err := r.patchStatus(ctx, job, func(s *miniv1.MLJobStatus) {
			s.Reserved = nil
			s.JobCountReleased = true
		}); err != nil {
			return ctrl.Result{}, err
		}
	}

	// The status patch above bumped the resourceVersion, so drop the
	// finalizer on a fresh copy.
	latest := &miniv1.MLJob{}
	if err := r.Get(ctx, client.ObjectKeyFromObject(job), latest); err != nil {
		if errors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}
	controllerutil.RemoveFinalizer(latest, Finalizer)
	if err := r.Update(ctx, latest); err != nil {
		return ctrl.Result{}, err
	}
	key := client.ObjectKeyFromObject(job)
	r.versions.Forget(key)
	r.Retry.Forget(key.String())
	log.Info("MLJob cleanup finished")
	return ctrl.Result{}, nil
}

// markSpecIgnored reports a post-admission spec change without applying
// it. The observed generation advances so each change is reported once.
func (r *MLJobReconciler) markSpecIgnored(ctx context.Context, job *miniv1.MLJob) error {
	r.Recorder.SpecIgnored(job)
	return r.patchStatus(ctx, job, func(s *miniv1.MLJobStatus) {
		s.ObservedGeneration = job.Generation
		conditions.Set(&s.Conditions,
			conditions.New(CondSpecIgnored, miniv1.ConditionTrue, events.ReasonSpecIgnored,
				"spec changes after creation are ignored; delete and recreate to apply them"),
			r.historyLimit())
	})
}

// failPermanently moves the job to the Failed phase with a completion
// time and a False condition. The job stays Failed until deleted.
func (r *MLJobReconciler) failPermanently(ctx context.Context, job *miniv1.MLJob, condType, reason, message string) error {
	now := metav1.Now()
	return r.patchStatus(ctx, job, func(s *miniv1.MLJobStatus) {
		s.Phase = miniv1.MLJobFailed
		if s.CompletionTime == nil {
			s.CompletionTime = &now
		}
		s.ObservedGeneration = job.Generation
		conditions.Set(&s.Conditions,
			conditions.New(condType, miniv1.ConditionFalse, reason, message),
			r.historyLimit())
	})
}

func (r *MLJobReconciler) releaseReservation(ctx context.Context, job *miniv1.MLJob) {
	if job.Status.Reserved == nil {
		return
	}
	if err := r.Quota.Release(ctx, job.Spec.ProjectRef, *job.Status.Reserved); err != nil {
		mljobLog.Error(err, "Failed to release reservation", "mljob", client.ObjectKeyFromObject(job))
		return
	}
	if err := r.patchStatus(ctx, job, func(s *miniv1.MLJobStatus) {
		s.Reserved = nil
		s.JobCountReleased = true
	}); err != nil {
		mljobLog.Error(err, "Failed to clear reservation", "mljob", client.ObjectKeyFromObject(job))
	}
}

func (r *MLJobReconciler) patchStatus(ctx context.Context, job *miniv1.MLJob, mutate func(*miniv1.MLJobStatus)) error {
	jobCopy := job.DeepCopy()
	mutate(&jobCopy.Status)
	if err := r.Status().Patch(ctx, jobCopy, client.MergeFrom(job)); err != nil {
		return err
	}
	job.Status = jobCopy.Status
	return nil
}

// SetupWithManager sets up the controller with the Manager.
func (r *MLJobReconciler) SetupWithManager(mgr ctrl.Manager) error {
	r.versions = newVersionTracker()

	mljobLog.Info("Setting up MLJob controller", "trainingKinds", len(r.TrainingGVKs))

	b := ctrl.NewControllerManagedBy(mgr).
		For(&miniv1.MLJob{}).
		WithOptions(controller.Options{
			RateLimiter: r.Retry.RateLimiter(),
		})

	// Status changes on owned training jobs enqueue the owning MLJob.
	for _, gvk := range r.TrainingGVKs {
		obj := &unstructured.Unstructured{}
		obj.SetGroupVersionKind(gvk)
		b = b.Watches(obj, handler.EnqueueRequestForOwner(
			mgr.GetScheme(), mgr.GetRESTMapper(), &miniv1.MLJob{}, handler.OnlyControllerOwner(),
		))
	}

	return b.Named("mljob").Complete(r)
}
