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
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	miniv1 "github.com/kubeflow-mini/kubeflow-mini/api/v1"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/conditions"
)

var projectLog = logf.Log.WithName("project-controller")

// CondReady marks a Project or Owner as accepting workloads.
const CondReady = "Ready"

// ProjectReconciler initializes Projects and guards their deletion: a
// Project with live workloads keeps its finalizer until usage drains.
type ProjectReconciler struct {
	client.Client
	Scheme *runtime.Scheme

	// HistoryLimit bounds the condition history kept per Project.
	HistoryLimit int
}

func (r *ProjectReconciler) historyLimit() int {
	if r.HistoryLimit > 0 {
		return r.HistoryLimit
	}
	return conditions.DefaultHistoryLimit
}

// Reconcile initializes new Projects and handles draining deletion.
func (r *ProjectReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := projectLog.WithValues("project", req.Name)

	project := &miniv1.Project{}
	if err := r.Get(ctx, req.NamespacedName, project); err != nil {
		if errors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	if !project.DeletionTimestamp.IsZero() {
		return r.reconcileDelete(ctx, log, project)
	}

	if !controllerutil.ContainsFinalizer(project, Finalizer) {
		controllerutil.AddFinalizer(project, Finalizer)
		if err := r.Update(ctx, project); err != nil {
			return ctrl.Result{}, err
		}
		return ctrl.Result{}, nil
	}

	if project.Status.Phase == "" {
		log.Info("Initializing project")
		projectCopy := project.DeepCopy()
		projectCopy.Status.Phase = miniv1.ProjectActive
		projectCopy.Status.Usage = miniv1.ResourceUsage{}
		conditions.Set(&projectCopy.Status.Conditions,
			conditions.New(CondReady, miniv1.ConditionTrue, "Initialized", "project is active"),
			r.historyLimit())
		if err := r.Status().Patch(ctx, projectCopy, client.MergeFrom(project)); err != nil {
			return ctrl.Result{}, err
		}
	}

	return ctrl.Result{}, nil
}

// reconcileDelete refuses to drop the finalizer while the project still
// holds live workloads, so reserved quota cannot orphan.
func (r *ProjectReconciler) reconcileDelete(ctx context.Context, log logr.Logger, project *miniv1.Project) (ctrl.Result, error) {
	if !controllerutil.ContainsFinalizer(project, Finalizer) {
		return ctrl.Result{}, nil
	}

	if project.Status.Usage.CurrentJobs > 0 {
		log.Info("Project still has live workloads, refusing deletion",
			"currentJobs", project.Status.Usage.CurrentJobs)
		if project.Status.Phase != miniv1.ProjectTerminating {
			projectCopy := project.DeepCopy()
			projectCopy.Status.Phase = miniv1.ProjectTerminating
			conditions.Set(&projectCopy.Status.Conditions,
				conditions.New(CondReady, miniv1.ConditionFalse, "Terminating",
					fmt.Sprintf("waiting for %d workloads to finish", project.Status.Usage.CurrentJobs)),
				r.historyLimit())
			if err := r.Status().Patch(ctx, projectCopy, client.MergeFrom(project)); err != nil {
				return ctrl.Result{}, err
			}
		}
		return ctrl.Result{RequeueAfter: 30 * time.Second}, nil
	}

	controllerutil.RemoveFinalizer(project, Finalizer)
	if err := r.Update(ctx, project); err != nil {
		return ctrl.Result{}, err
	}
	log.Info("Project released")
	return ctrl.Result{}, nil
}

// SetupWithManager sets up the controller with the Manager.
func (r *ProjectReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&miniv1.Project{}).
		Named("project").
		Complete(r)
}
