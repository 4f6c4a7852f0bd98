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
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	miniv1 "github.com/kubeflow-mini/kubeflow-mini/api/v1"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/conditions"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/events"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/quota"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/retry"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/training"
)

var _ = Describe("MLJob Controller", func() {
	const (
		projectName = "ml-research"
		ownerName   = "alice"
		namespace   = "team-a"
	)

	var (
		ctx        context.Context
		k8sClient  client.Client
		reconciler *MLJobReconciler
	)

	newJob := func(name string) *miniv1.MLJob {
		return &miniv1.MLJob{
			ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
			Spec: miniv1.MLJobSpec{
				JobID:      "job-" + name,
				ProjectRef: projectName,
				OwnerRef:   ownerName,
				Training: miniv1.TrainingSpec{
					APIVersion: "kubeflow.org/v1",
					Kind:       "TFJob",
					Spec: runtime.RawExtension{Raw: []byte(`{
						"tfReplicaSpecs": {
							"Worker": {
								"replicas": 1,
								"template": {"spec": {"containers": [
									{"resources": {"requests": {"nvidia.com/gpu": "1", "cpu": "2"}}}
								]}}
							}
						}
					}`)},
				},
			},
		}
	}

	setup := func(objs ...client.Object) {
		s := newTestScheme()
		k8sClient = newFakeClient(s, objs...)
		engine := retry.NewEngine(nil)
		reconciler = &MLJobReconciler{
			Client:       k8sClient,
			Scheme:       s,
			Quota:        quota.NewTracker(k8sClient, engine),
			Training:     training.NewClient(k8sClient, s),
			Retry:        engine,
			Recorder:     events.NewRecorder(record.NewFakeRecorder(64)),
			TrainingGVKs: []schema.GroupVersionKind{tfJobGVK},
		}
	}

	reconcile := func(name string) (ctrl.Result, error) {
		return reconciler.Reconcile(ctx, ctrl.Request{
			NamespacedName: types.NamespacedName{Namespace: namespace, Name: name},
		})
	}

	getJob := func(name string) *miniv1.MLJob {
		job := &miniv1.MLJob{}
		Expect(k8sClient.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, job)).To(Succeed())
		return job
	}

	getProject := func() *miniv1.Project {
		project := &miniv1.Project{}
		Expect(k8sClient.Get(ctx, types.NamespacedName{Name: projectName}, project)).To(Succeed())
		return project
	}

	getTFJob := func(name string) *unstructured.Unstructured {
		obj := &unstructured.Unstructured{}
		obj.SetGroupVersionKind(tfJobGVK)
		err := k8sClient.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, obj)
		if err != nil {
			return nil
		}
		return obj
	}

	setTFJobPhase := func(name, phase string) {
		obj := getTFJob(name)
		Expect(obj).NotTo(BeNil())
		Expect(unstructured.SetNestedField(obj.Object, phase, "status", "phase")).To(Succeed())
		Expect(k8sClient.Update(ctx, obj)).To(Succeed())
	}

	BeforeEach(func() {
		ctx = context.Background()
	})

	Context("When admitting a job", func() {
		BeforeEach(func() {
			setup(
				activeProject(projectName, miniv1.ProjectQuota{GPULimit: 4, MaxJobs: 5}),
				activeOwner(ownerName, "research"),
				newJob("mnist"),
			)
		})

		It("should reserve quota, submit the training job and mirror its phase", func() {
			By("adding the finalizer")
			_, err := reconcile("mnist")
			Expect(err).NotTo(HaveOccurred())
			Expect(getJob("mnist").Finalizers).To(ContainElement(Finalizer))

			By("admitting the job")
			_, err = reconcile("mnist")
			Expect(err).NotTo(HaveOccurred())

			job := getJob("mnist")
			Expect(job.Status.Phase).To(Equal(miniv1.MLJobPending))
			Expect(job.Status.Reserved).NotTo(BeNil())
			Expect(job.Status.Reserved.GPU).To(Equal(int64(1)))
			Expect(job.Status.Reserved.CurrentJobs).To(Equal(int32(1)))
			Expect(conditions.IsTrue(job.Status.Conditions, CondAdmitted)).To(BeTrue())
			Expect(conditions.IsTrue(job.Status.Conditions, CondValidated)).To(BeTrue())
			Expect(conditions.IsTrue(job.Status.Conditions, CondCreated)).To(BeTrue())

			By("committing usage on the project")
			usage := getProject().Status.Usage
			Expect(usage.GPU).To(Equal(int64(1)))
			Expect(usage.CurrentJobs).To(Equal(int32(1)))

			By("creating the external training job with ownership labels")
			tfjob := getTFJob("mnist")
			Expect(tfjob).NotTo(BeNil())
			Expect(tfjob.GetLabels()).To(HaveKeyWithValue(training.LabelProject, projectName))
			Expect(tfjob.GetLabels()).To(HaveKeyWithValue(training.LabelDepartment, "research"))

			By("mirroring the Running phase and fixing the start time")
			setTFJobPhase("mnist", "Running")
			_, err = reconcile("mnist")
			Expect(err).NotTo(HaveOccurred())

			job = getJob("mnist")
			Expect(job.Status.Phase).To(Equal(miniv1.MLJobRunning))
			Expect(job.Status.StartTime).NotTo(BeNil())
			startTime := *job.Status.StartTime

			By("mirroring the Succeeded phase and releasing the job slot")
			setTFJobPhase("mnist", "Succeeded")
			_, err = reconcile("mnist")
			Expect(err).NotTo(HaveOccurred())

			job = getJob("mnist")
			Expect(job.Status.Phase).To(Equal(miniv1.MLJobSucceeded))
			Expect(job.Status.CompletionTime).NotTo(BeNil())
			Expect(job.Status.StartTime.Time).To(Equal(startTime.Time))
			Expect(job.Status.JobCountReleased).To(BeTrue())

			usage = getProject().Status.Usage
			Expect(usage.CurrentJobs).To(Equal(int32(0)))
			Expect(usage.GPU).To(Equal(int64(1)), "compute dimensions stay held until deletion")

			By("keeping the completion time on later reconciles")
			completedAt := job.Status.CompletionTime.Time
			_, err = reconcile("mnist")
			Expect(err).NotTo(HaveOccurred())
			Expect(getJob("mnist").Status.CompletionTime.Time).To(Equal(completedAt))
		})

		It("should release everything on deletion", func() {
			for range 2 {
				_, err := reconcile("mnist")
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(getTFJob("mnist")).NotTo(BeNil())

			By("deleting the MLJob")
			Expect(k8sClient.Delete(ctx, getJob("mnist"))).To(Succeed())
			_, err := reconcile("mnist")
			Expect(err).NotTo(HaveOccurred())

			Expect(getTFJob("mnist")).To(BeNil())
			usage := getProject().Status.Usage
			Expect(usage.GPU).To(Equal(int64(0)))
			Expect(usage.CurrentJobs).To(Equal(int32(0)))

			err = k8sClient.Get(ctx, types.NamespacedName{Namespace: namespace, Name: "mnist"}, &miniv1.MLJob{})
			Expect(err).To(HaveOccurred())
		})

		It("should report post-admission spec changes without applying them", func() {
			for range 2 {
				_, err := reconcile("mnist")
				Expect(err).NotTo(HaveOccurred())
			}

			By("changing the training payload after admission")
			job := getJob("mnist")
			job.Spec.Training.Spec.Raw = []byte(`{"tfReplicaSpecs":{"Worker":{"replicas":9}}}`)
			// The fake client does not advance metadata.generation on
			// spec writes the way the API server does, so bump it by
			// hand to model the update.
			job.Generation++
			Expect(k8sClient.Update(ctx, job)).To(Succeed())

			_, err := reconcile("mnist")
			Expect(err).NotTo(HaveOccurred())

			job = getJob("mnist")
			cond := conditions.Get(job.Status.Conditions, CondSpecIgnored)
			Expect(cond).NotTo(BeNil())
			Expect(cond.Status).To(Equal(miniv1.ConditionTrue))
			Expect(job.Status.ObservedGeneration).To(Equal(job.Generation))
			Expect(job.Status.Reserved.GPU).To(Equal(int64(1)), "reservation unchanged")
		})
	})

	Context("When quota is exhausted", func() {
		BeforeEach(func() {
			setup(
				activeProject(projectName, miniv1.ProjectQuota{MaxJobs: 1}),
				activeOwner(ownerName, "research"),
				newJob("first"),
				newJob("second"),
			)
		})

		It("should park the second job until the first releases its slot", func() {
			By("admitting the first job")
			for range 2 {
				_, err := reconcile("first")
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(getJob("first").Status.Reserved).NotTo(BeNil())

			By("rejecting the second job with a wait")
			_, err := reconcile("second")
			Expect(err).NotTo(HaveOccurred())
			result, err := reconcile("second")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.RequeueAfter).To(BeNumerically(">", 0))

			job := getJob("second")
			Expect(job.Status.Phase).To(Equal(miniv1.MLJobPending))
			Expect(job.Status.Reserved).To(BeNil())
			cond := conditions.Get(job.Status.Conditions, CondAdmitted)
			Expect(cond).NotTo(BeNil())
			Expect(cond.Status).To(Equal(miniv1.ConditionFalse))
			Expect(cond.Reason).To(Equal(events.ReasonQuotaExceeded))

			By("deleting the first job")
			Expect(k8sClient.Delete(ctx, getJob("first"))).To(Succeed())
			_, err = reconcile("first")
			Expect(err).NotTo(HaveOccurred())
			Expect(getProject().Status.Usage.CurrentJobs).To(Equal(int32(0)))

			By("admitting the second job on the freed slot")
			_, err = reconcile("second")
			Expect(err).NotTo(HaveOccurred())

			job = getJob("second")
			Expect(job.Status.Reserved).NotTo(BeNil())
			Expect(conditions.IsTrue(job.Status.Conditions, CondAdmitted)).To(BeTrue())
		})
	})

	Context("When references are invalid", func() {
		It("should fail permanently on a missing project", func() {
			setup(activeOwner(ownerName, "research"), newJob("orphan"))

			for range 2 {
				_, err := reconcile("orphan")
				Expect(err).NotTo(HaveOccurred())
			}

			job := getJob("orphan")
			Expect(job.Status.Phase).To(Equal(miniv1.MLJobFailed))
			Expect(job.Status.CompletionTime).NotTo(BeNil())
			cond := conditions.Get(job.Status.Conditions, CondValidated)
			Expect(cond).NotTo(BeNil())
			Expect(cond.Reason).To(Equal("ProjectNotFound"))
		})

		It("should fail permanently on an inactive owner", func() {
			inactive := &miniv1.Owner{
				ObjectMeta: metav1.ObjectMeta{Name: ownerName},
				Status:     miniv1.OwnerStatus{Phase: miniv1.OwnerInactive},
			}
			setup(activeProject(projectName, miniv1.ProjectQuota{}), inactive, newJob("blocked"))

			for range 2 {
				_, err := reconcile("blocked")
				Expect(err).NotTo(HaveOccurred())
			}

			job := getJob("blocked")
			Expect(job.Status.Phase).To(Equal(miniv1.MLJobFailed))
			cond := conditions.Get(job.Status.Conditions, CondValidated)
			Expect(cond).NotTo(BeNil())
			Expect(cond.Reason).To(Equal("OwnerInactive"))
		})

		It("should fail permanently and release quota on an invalid payload", func() {
			job := newJob("broken")
			job.Spec.Training.APIVersion = "nogroup"
			setup(
				activeProject(projectName, miniv1.ProjectQuota{MaxJobs: 5}),
				activeOwner(ownerName, "research"),
				job,
			)

			for range 2 {
				_, err := reconcile("broken")
				Expect(err).NotTo(HaveOccurred())
			}

			got := getJob("broken")
			Expect(got.Status.Phase).To(Equal(miniv1.MLJobFailed))
			cond := conditions.Get(got.Status.Conditions, CondCreated)
			Expect(cond).NotTo(BeNil())
			Expect(cond.Reason).To(Equal("InvalidTraining"))
			Expect(got.Status.Reserved).To(BeNil())
			Expect(getProject().Status.Usage.CurrentJobs).To(Equal(int32(0)))
		})
	})

	Context("When the external job disappears", func() {
		BeforeEach(func() {
			setup(
				activeProject(projectName, miniv1.ProjectQuota{}),
				activeOwner(ownerName, "research"),
				newJob("gone"),
			)
		})

		It("should report Unknown for a non-terminal job", func() {
			for range 2 {
				_, err := reconcile("gone")
				Expect(err).NotTo(HaveOccurred())
			}

			By("removing the external object out of band")
			tfjob := getTFJob("gone")
			Expect(tfjob).NotTo(BeNil())
			Expect(k8sClient.Delete(ctx, tfjob)).To(Succeed())

			_, err := reconcile("gone")
			Expect(err).NotTo(HaveOccurred())
			Expect(getJob("gone").Status.Phase).To(Equal(miniv1.MLJobUnknown))
		})
	})
})
