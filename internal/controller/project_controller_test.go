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

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	miniv1 "github.com/kubeflow-mini/kubeflow-mini/api/v1"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/conditions"
)

var _ = Describe("Project Controller", func() {
	const projectName = "ml-research"

	var (
		ctx        context.Context
		k8sClient  client.Client
		reconciler *ProjectReconciler
	)

	setup := func(objs ...client.Object) {
		s := newTestScheme()
		k8sClient = newFakeClient(s, objs...)
		reconciler = &ProjectReconciler{Client: k8sClient, Scheme: s}
	}

	reconcile := func() (ctrl.Result, error) {
		return reconciler.Reconcile(ctx, ctrl.Request{
			NamespacedName: types.NamespacedName{Name: projectName},
		})
	}

	getProject := func() *miniv1.Project {
		project := &miniv1.Project{}
		Expect(k8sClient.Get(ctx, types.NamespacedName{Name: projectName}, project)).To(Succeed())
		return project
	}

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("should initialize a new project as active with zero usage", func() {
		setup(&miniv1.Project{
			ObjectMeta: metav1.ObjectMeta{Name: projectName},
			Spec:       miniv1.ProjectSpec{Quota: miniv1.ProjectQuota{GPULimit: 4}},
		})

		By("adding the finalizer")
		_, err := reconcile()
		Expect(err).NotTo(HaveOccurred())
		Expect(getProject().Finalizers).To(ContainElement(Finalizer))

		By("initializing the status")
		_, err = reconcile()
		Expect(err).NotTo(HaveOccurred())

		project := getProject()
		Expect(project.Status.Phase).To(Equal(miniv1.ProjectActive))
		Expect(project.Status.Usage.IsZero()).To(BeTrue())
		Expect(conditions.IsTrue(project.Status.Conditions, CondReady)).To(BeTrue())
	})

	It("should refuse deletion while workloads are live", func() {
		project := activeProject(projectName, miniv1.ProjectQuota{})
		project.Status.Usage = miniv1.ResourceUsage{CurrentJobs: 2}
		setup(project)

		By("deleting the project")
		Expect(k8sClient.Delete(ctx, getProject())).To(Succeed())
		result, err := reconcile()
		Expect(err).NotTo(HaveOccurred())
		Expect(result.RequeueAfter).To(BeNumerically(">", 0))

		got := getProject()
		Expect(got.Status.Phase).To(Equal(miniv1.ProjectTerminating))
		cond := conditions.Get(got.Status.Conditions, CondReady)
		Expect(cond).NotTo(BeNil())
		Expect(cond.Status).To(Equal(miniv1.ConditionFalse))

		By("draining the workloads")
		drained := got.DeepCopy()
		drained.Status.Usage = miniv1.ResourceUsage{}
		Expect(k8sClient.Status().Patch(ctx, drained, client.MergeFrom(got))).To(Succeed())

		_, err = reconcile()
		Expect(err).NotTo(HaveOccurred())
		err = k8sClient.Get(ctx, types.NamespacedName{Name: projectName}, &miniv1.Project{})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Owner Controller", func() {
	const ownerName = "alice"

	var (
		ctx        context.Context
		k8sClient  client.Client
		reconciler *OwnerReconciler
	)

	setup := func(objs ...client.Object) {
		s := newTestScheme()
		k8sClient = newFakeClient(s, objs...)
		reconciler = &OwnerReconciler{Client: k8sClient, Scheme: s}
	}

	reconcile := func() (ctrl.Result, error) {
		return reconciler.Reconcile(ctx, ctrl.Request{
			NamespacedName: types.NamespacedName{Name: ownerName},
		})
	}

	getOwner := func() *miniv1.Owner {
		owner := &miniv1.Owner{}
		Expect(k8sClient.Get(ctx, types.NamespacedName{Name: ownerName}, owner)).To(Succeed())
		return owner
	}

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("should activate an owner with a department", func() {
		setup(&miniv1.Owner{
			ObjectMeta: metav1.ObjectMeta{Name: ownerName},
			Spec:       miniv1.OwnerSpec{Department: "research"},
		})

		_, err := reconcile()
		Expect(err).NotTo(HaveOccurred())

		owner := getOwner()
		Expect(owner.Status.Phase).To(Equal(miniv1.OwnerActive))
		Expect(conditions.IsTrue(owner.Status.Conditions, CondReady)).To(BeTrue())

		By("leaving a consistent owner alone")
		_, err = reconcile()
		Expect(err).NotTo(HaveOccurred())
		Expect(getOwner().Status.Phase).To(Equal(miniv1.OwnerActive))
	})

	It("should deactivate an owner without a department", func() {
		setup(&miniv1.Owner{ObjectMeta: metav1.ObjectMeta{Name: ownerName}})

		_, err := reconcile()
		Expect(err).NotTo(HaveOccurred())

		owner := getOwner()
		Expect(owner.Status.Phase).To(Equal(miniv1.OwnerInactive))
		cond := conditions.Get(owner.Status.Conditions, CondReady)
		Expect(cond).NotTo(BeNil())
		Expect(cond.Reason).To(Equal("DepartmentMissing"))
	})
})
