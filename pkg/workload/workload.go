// Package workload materializes notebook sessions as a Deployment plus
// a ClusterIP Service and scales or removes them as the lease state
// changes.
package workload

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/intstr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	miniv1 "github.com/kubeflow-mini/kubeflow-mini/api/v1"
)

const (
	// NotebookPort is the listening port of the Jupyter server.
	NotebookPort = 8888

	defaultImage = "jupyter/base-notebook:latest"
)

// Manager creates and tears down the Kubernetes workloads backing a
// Notebook.
type Manager struct {
	client client.Client
	scheme *runtime.Scheme
}

// NewManager builds a workload Manager.
func NewManager(c client.Client, scheme *runtime.Scheme) *Manager {
	return &Manager{client: c, scheme: scheme}
}

// EnsureRunning creates the Deployment and Service for the notebook if
// absent and scales the Deployment to one replica if it was stopped.
func (m *Manager) EnsureRunning(ctx context.Context, nb *miniv1.Notebook) error {
	if err := m.ensureDeployment(ctx, nb, 1); err != nil {
		return err
	}
	return m.ensureService(ctx, nb)
}

// Stop scales the notebook Deployment to zero, keeping the objects in
// place so a renewed lease restarts without rebuilding state.
func (m *Manager) Stop(ctx context.Context, nb *miniv1.Notebook) error {
	var dep appsv1.Deployment
	key := types.NamespacedName{Namespace: nb.Namespace, Name: nb.Name}
	if err := m.client.Get(ctx, key, &dep); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if dep.Spec.Replicas != nil && *dep.Spec.Replicas == 0 {
		return nil
	}
	zero := int32(0)
	dep.Spec.Replicas = &zero
	return m.client.Update(ctx, &dep)
}

// Delete removes both workload objects. Missing objects are success.
func (m *Manager) Delete(ctx context.Context, nb *miniv1.Notebook) error {
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Namespace: nb.Namespace, Name: nb.Name},
	}
	if err := m.client.Delete(ctx, dep); err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Namespace: nb.Namespace, Name: nb.Name},
	}
	if err := m.client.Delete(ctx, svc); err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	return nil
}

func selectorLabels(nb *miniv1.Notebook) map[string]string {
	return map[string]string{
		"app":       nb.Name,
		"component": "notebook",
	}
}

func workloadLabels(nb *miniv1.Notebook) map[string]string {
	labels := selectorLabels(nb)
	labels["app.kubernetes.io/managed-by"] = "kubeflow-mini"
	labels["kubeflow-mini.io/project"] = nb.Spec.ProjectRef
	return labels
}

func (m *Manager) ensureDeployment(ctx context.Context, nb *miniv1.Notebook, replicas int32) error {
	var dep appsv1.Deployment
	key := types.NamespacedName{Namespace: nb.Namespace, Name: nb.Name}
	err := m.client.Get(ctx, key, &dep)
	if err == nil {
		if dep.Spec.Replicas == nil || *dep.Spec.Replicas != replicas {
			dep.Spec.Replicas = &replicas
			return m.client.Update(ctx, &dep)
		}
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return err
	}

	dep = appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: nb.Namespace,
			Name:      nb.Name,
			Labels:    workloadLabels(nb),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: selectorLabels(nb)},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: selectorLabels(nb)},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{notebookContainer(nb)},
				},
			},
		},
	}
	if err := controllerutil.SetControllerReference(nb, &dep, m.scheme); err != nil {
		return fmt.Errorf("setting owner reference on deployment: %w", err)
	}
	if err := m.client.Create(ctx, &dep); err != nil && !apierrors.IsAlreadyExists(err) {
		return err
	}
	return nil
}

func (m *Manager) ensureService(ctx context.Context, nb *miniv1.Notebook) error {
	var svc corev1.Service
	key := types.NamespacedName{Namespace: nb.Namespace, Name: nb.Name}
	err := m.client.Get(ctx, key, &svc)
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return err
	}

	svc = corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: nb.Namespace,
			Name:      nb.Name,
			Labels:    workloadLabels(nb),
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: selectorLabels(nb),
			Ports: []corev1.ServicePort{
				{
					Name:       "http",
					Port:       NotebookPort,
					TargetPort: intstr.FromInt32(NotebookPort),
					Protocol:   corev1.ProtocolTCP,
				},
			},
		},
	}
	if err := controllerutil.SetControllerReference(nb, &svc, m.scheme); err != nil {
		return fmt.Errorf("setting owner reference on service: %w", err)
	}
	if err := m.client.Create(ctx, &svc); err != nil && !apierrors.IsAlreadyExists(err) {
		return err
	}
	return nil
}

func notebookContainer(nb *miniv1.Notebook) corev1.Container {
	image := nb.Spec.Image
	if image == "" {
		image = defaultImage
	}

	limits := corev1.ResourceList{}
	if !nb.Spec.CPULimit.IsZero() {
		limits[corev1.ResourceCPU] = nb.Spec.CPULimit
	}
	if !nb.Spec.MemoryLimit.IsZero() {
		limits[corev1.ResourceMemory] = nb.Spec.MemoryLimit
	}
	if nb.Spec.GPULimit > 0 {
		limits["nvidia.com/gpu"] = *resource.NewQuantity(nb.Spec.GPULimit, resource.DecimalSI)
	}

	return corev1.Container{
		Name:  "notebook",
		Image: image,
		Ports: []corev1.ContainerPort{
			{Name: "http", ContainerPort: NotebookPort, Protocol: corev1.ProtocolTCP},
		},
		Env: []corev1.EnvVar{
			{Name: "JUPYTER_ENABLE_LAB", Value: "yes"},
		},
		Resources: corev1.ResourceRequirements{
			Limits:   limits,
			Requests: limits,
		},
	}
}
