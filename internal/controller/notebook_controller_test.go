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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	miniv1 "github.com/kubeflow-mini/kubeflow-mini/api/v1"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/conditions"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/events"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/quota"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/retry"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/workload"
)

var _ = Describe("Notebook Controller", func() {
	const (
		projectName   = "ml-research"
		namespace     = "team-a"
		notebookName  = "analysis"
		leaseDuration = 4 * time.Hour
	)

	var (
		ctx        context.Context
		k8sClient  client.Client
		reconciler *NotebookReconciler
		clock      time.Time
	)

	newNotebook := func(maxRenewals int32) *miniv1.Notebook {
		return &miniv1.Notebook{
			ObjectMeta: metav1.ObjectMeta{Name: notebookName, Namespace: namespace},
			Spec: miniv1.NotebookSpec{
				Image:            "jupyter/tensorflow-notebook:latest",
				GPULimit:         1,
				CPULimit:         resource.MustParse("2"),
				MemoryLimit:      resource.MustParse("4Gi"),
				LeaseDuration:    metav1.Duration{Duration: leaseDuration},
				MaxLeaseRenewals: maxRenewals,
				ProjectRef:       projectName,
			},
		}
	}

	setup := func(objs ...client.Object) {
		s := newTestScheme()
		k8sClient = newFakeClient(s, objs...)
		engine := retry.NewEngine(nil)
		clock = time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
		reconciler = &NotebookReconciler{
			Client:   k8sClient,
			Scheme:   s,
			Quota:    quota.NewTracker(k8sClient, engine),
			Workload: workload.NewManager(k8sClient, s),
			Retry:    engine,
			Recorder: events.NewRecorder(record.NewFakeRecorder(64)),
			Now:      func() time.Time { return clock },
		}
	}

	reconcile := func() (ctrl.Result, error) {
		return reconciler.Reconcile(ctx, ctrl.Request{
			NamespacedName: types.NamespacedName{Namespace: namespace, Name: notebookName},
		})
	}

	getNotebook := func() *miniv1.Notebook {
		nb := &miniv1.Notebook{}
		Expect(k8sClient.Get(ctx, types.NamespacedName{Namespace: namespace, Name: notebookName}, nb)).To(Succeed())
		return nb
	}

	getProject := func() *miniv1.Project {
		project := &miniv1.Project{}
		Expect(k8sClient.Get(ctx, types.NamespacedName{Name: projectName}, project)).To(Succeed())
		return project
	}

	getDeployment := func() *appsv1.Deployment {
		dep := &appsv1.Deployment{}
		err := k8sClient.Get(ctx, types.NamespacedName{Namespace: namespace, Name: notebookName}, dep)
		if err != nil {
			return nil
		}
		return dep
	}

	admit := func() {
		for range 2 {
			_, err := reconcile()
			Expect(err).NotTo(HaveOccurred())
		}
	}

	requestRenewal := func() {
		nb := getNotebook()
		nbCopy := nb.DeepCopy()
		if nbCopy.Annotations == nil {
			nbCopy.Annotations = map[string]string{}
		}
		nbCopy.Annotations[miniv1.RenewLeaseAnnotation] = "true"
		Expect(k8sClient.Patch(ctx, nbCopy, client.MergeFrom(nb))).To(Succeed())
	}

	BeforeEach(func() {
		ctx = context.Background()
	})

	Context("When starting a notebook", func() {
		BeforeEach(func() {
			setup(
				activeProject(projectName, miniv1.ProjectQuota{GPULimit: 2, MaxJobs: 5}),
				newNotebook(0),
			)
		})

		It("should reserve quota, start the workload and schedule expiry", func() {
			By("admitting the notebook")
			_, err := reconcile()
			Expect(err).NotTo(HaveOccurred())
			result, err := reconcile()
			Expect(err).NotTo(HaveOccurred())
			Expect(result.RequeueAfter).To(Equal(leaseDuration))

			nb := getNotebook()
			Expect(nb.Status.Phase).To(Equal(miniv1.NotebookRunning))
			Expect(nb.Status.LeaseStatus).To(Equal(miniv1.LeaseActive))
			Expect(nb.Status.LeaseStart.Time).To(BeTemporally("==", clock))
			Expect(nb.Status.Reserved).NotTo(BeNil())
			Expect(conditions.IsTrue(nb.Status.Conditions, CondLeaseActive)).To(BeTrue())

			By("committing usage on the project")
			usage := getProject().Status.Usage
			Expect(usage.GPU).To(Equal(int64(1)))
			Expect(usage.CurrentJobs).To(Equal(int32(1)))

			By("creating the Deployment and Service")
			dep := getDeployment()
			Expect(dep).NotTo(BeNil())
			Expect(*dep.Spec.Replicas).To(Equal(int32(1)))
			Expect(dep.Spec.Template.Spec.Containers[0].Image).To(Equal("jupyter/tensorflow-notebook:latest"))
			svc := &corev1.Service{}
			Expect(k8sClient.Get(ctx, types.NamespacedName{Namespace: namespace, Name: notebookName}, svc)).To(Succeed())
		})

		It("should expire the lease and keep the reservation", func() {
			admit()

			By("advancing past the lease expiry")
			clock = clock.Add(leaseDuration + time.Minute)
			_, err := reconcile()
			Expect(err).NotTo(HaveOccurred())

			nb := getNotebook()
			Expect(nb.Status.Phase).To(Equal(miniv1.NotebookStopped))
			Expect(nb.Status.LeaseStatus).To(Equal(miniv1.LeaseExpired))
			cond := conditions.Get(nb.Status.Conditions, CondLeaseActive)
			Expect(cond).NotTo(BeNil())
			Expect(cond.Status).To(Equal(miniv1.ConditionFalse))

			By("scaling the workload to zero")
			Expect(*getDeployment().Spec.Replicas).To(Equal(int32(0)))

			By("keeping the quota reservation")
			Expect(nb.Status.Reserved).NotTo(BeNil())
			Expect(getProject().Status.Usage.GPU).To(Equal(int64(1)))
		})

		It("should stop and restart on the spec flag without touching the lease", func() {
			admit()
			leaseStart := getNotebook().Status.LeaseStart.Time

			By("stopping the notebook")
			nb := getNotebook()
			nb.Spec.Stopped = true
			Expect(k8sClient.Update(ctx, nb)).To(Succeed())
			_, err := reconcile()
			Expect(err).NotTo(HaveOccurred())

			nb = getNotebook()
			Expect(nb.Status.Phase).To(Equal(miniv1.NotebookStopped))
			Expect(nb.Status.LeaseStatus).To(Equal(miniv1.LeaseActive))
			Expect(*getDeployment().Spec.Replicas).To(Equal(int32(0)))

			By("restarting the notebook")
			clock = clock.Add(time.Hour)
			nb.Spec.Stopped = false
			Expect(k8sClient.Update(ctx, nb)).To(Succeed())
			result, err := reconcile()
			Expect(err).NotTo(HaveOccurred())

			nb = getNotebook()
			Expect(nb.Status.Phase).To(Equal(miniv1.NotebookRunning))
			Expect(nb.Status.LeaseStart.Time).To(BeTemporally("==", leaseStart), "lease timing unaffected")
			Expect(*getDeployment().Spec.Replicas).To(Equal(int32(1)))
			Expect(result.RequeueAfter).To(Equal(leaseDuration - time.Hour))
		})

		It("should release the reservation and tear down the workload on deletion", func() {
			admit()
			Expect(getDeployment()).NotTo(BeNil())

			Expect(k8sClient.Delete(ctx, getNotebook())).To(Succeed())
			_, err := reconcile()
			Expect(err).NotTo(HaveOccurred())

			Expect(getDeployment()).To(BeNil())
			usage := getProject().Status.Usage
			Expect(usage.GPU).To(Equal(int64(0)))
			Expect(usage.CurrentJobs).To(Equal(int32(0)))

			err = k8sClient.Get(ctx, types.NamespacedName{Namespace: namespace, Name: notebookName}, &miniv1.Notebook{})
			Expect(err).To(HaveOccurred())
		})
	})

	Context("When renewing a lease", func() {
		BeforeEach(func() {
			setup(
				activeProject(projectName, miniv1.ProjectQuota{GPULimit: 2}),
				newNotebook(1),
			)
			admit()
		})

		It("should restart an expired notebook and reset the lease clock", func() {
			By("expiring the lease")
			clock = clock.Add(leaseDuration + time.Minute)
			_, err := reconcile()
			Expect(err).NotTo(HaveOccurred())
			Expect(getNotebook().Status.LeaseStatus).To(Equal(miniv1.LeaseExpired))

			By("requesting a renewal")
			requestRenewal()
			result, err := reconcile()
			Expect(err).NotTo(HaveOccurred())
			Expect(result.RequeueAfter).To(Equal(leaseDuration))

			nb := getNotebook()
			Expect(nb.Annotations).NotTo(HaveKey(miniv1.RenewLeaseAnnotation))
			Expect(nb.Status.Phase).To(Equal(miniv1.NotebookRunning))
			Expect(nb.Status.LeaseStatus).To(Equal(miniv1.LeaseActive))
			Expect(nb.Status.LeaseStart.Time).To(BeTemporally("==", clock))
			Expect(nb.Status.LeaseRenewalCount).To(Equal(int32(1)))
			Expect(*getDeployment().Spec.Replicas).To(Equal(int32(1)))
		})

		It("should refuse renewal when no renewals are budgeted", func() {
			setup(
				activeProject(projectName, miniv1.ProjectQuota{GPULimit: 2}),
				newNotebook(0),
			)
			admit()

			clock = clock.Add(leaseDuration + time.Minute)
			_, err := reconcile()
			Expect(err).NotTo(HaveOccurred())

			requestRenewal()
			_, err = reconcile()
			Expect(err).NotTo(HaveOccurred())

			nb := getNotebook()
			Expect(nb.Status.LeaseRenewalCount).To(Equal(int32(0)))
			Expect(nb.Status.LeaseStatus).To(Equal(miniv1.LeaseExpired))
			cond := conditions.Get(nb.Status.Conditions, CondRenewals)
			Expect(cond).NotTo(BeNil())
			Expect(cond.Reason).To(Equal(events.ReasonLeaseRenewalExceeded))
		})

		It("should refuse renewals past the limit", func() {
			By("consuming the only renewal")
			requestRenewal()
			_, err := reconcile()
			Expect(err).NotTo(HaveOccurred())
			Expect(getNotebook().Status.LeaseRenewalCount).To(Equal(int32(1)))

			By("requesting one renewal too many")
			leaseStart := getNotebook().Status.LeaseStart.Time
			clock = clock.Add(time.Hour)
			requestRenewal()
			_, err = reconcile()
			Expect(err).NotTo(HaveOccurred())

			nb := getNotebook()
			Expect(nb.Annotations).NotTo(HaveKey(miniv1.RenewLeaseAnnotation))
			Expect(nb.Status.LeaseRenewalCount).To(Equal(int32(1)))
			Expect(nb.Status.LeaseStart.Time).To(BeTemporally("==", leaseStart), "lease state untouched")
			cond := conditions.Get(nb.Status.Conditions, CondRenewals)
			Expect(cond).NotTo(BeNil())
			Expect(cond.Status).To(Equal(miniv1.ConditionFalse))
			Expect(cond.Reason).To(Equal(events.ReasonLeaseRenewalExceeded))
		})
	})

	Context("When the project is missing", func() {
		BeforeEach(func() {
			setup(newNotebook(0))
		})

		It("should report the broken reference and not start anything", func() {
			for range 2 {
				_, err := reconcile()
				Expect(err).NotTo(HaveOccurred())
			}

			nb := getNotebook()
			Expect(nb.Status.Reserved).To(BeNil())
			cond := conditions.Get(nb.Status.Conditions, CondAdmitted)
			Expect(cond).NotTo(BeNil())
			Expect(cond.Reason).To(Equal("ProjectNotFound"))
			Expect(getDeployment()).To(BeNil())
		})
	})
})
