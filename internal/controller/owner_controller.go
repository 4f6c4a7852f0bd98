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

	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	miniv1 "github.com/kubeflow-mini/kubeflow-mini/api/v1"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/conditions"
)

var ownerLog = logf.Log.WithName("owner-controller")

// OwnerReconciler activates Owners. An Owner without a department is
// not usable for job submission and reports that as a condition.
type OwnerReconciler struct {
	client.Client
	Scheme *runtime.Scheme

	// HistoryLimit bounds the condition history kept per Owner.
	HistoryLimit int
}

func (r *OwnerReconciler) historyLimit() int {
	if r.HistoryLimit > 0 {
		return r.HistoryLimit
	}
	return conditions.DefaultHistoryLimit
}

// Reconcile sets the Owner phase from its spec.
func (r *OwnerReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := ownerLog.WithValues("owner", req.Name)

	owner := &miniv1.Owner{}
	if err := r.Get(ctx, req.NamespacedName, owner); err != nil {
		if errors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	ownerCopy := owner.DeepCopy()
	if owner.Spec.Department == "" {
		ownerCopy.Status.Phase = miniv1.OwnerInactive
		conditions.Set(&ownerCopy.Status.Conditions,
			conditions.New(CondReady, miniv1.ConditionFalse, "DepartmentMissing",
				"spec.department is required"),
			r.historyLimit())
	} else {
		ownerCopy.Status.Phase = miniv1.OwnerActive
		conditions.Set(&ownerCopy.Status.Conditions,
			conditions.New(CondReady, miniv1.ConditionTrue, "Initialized", "owner is active"),
			r.historyLimit())
	}

	if ownerCopy.Status.Phase == owner.Status.Phase &&
		conditions.IsTrue(owner.Status.Conditions, CondReady) == (ownerCopy.Status.Phase == miniv1.OwnerActive) {
		return ctrl.Result{}, nil
	}

	log.Info("Updating owner phase", "phase", ownerCopy.Status.Phase)
	if err := r.Status().Patch(ctx, ownerCopy, client.MergeFrom(owner)); err != nil {
		return ctrl.Result{}, err
	}
	return ctrl.Result{}, nil
}

// SetupWithManager sets up the controller with the Manager.
func (r *OwnerReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&miniv1.Owner{}).
		Named("owner").
		Complete(r)
}
