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

package v1

import (
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// NotebookPhase describes the lifecycle phase of a Notebook instance.
type NotebookPhase string

const (
	NotebookPending NotebookPhase = "pending"
	NotebookRunning NotebookPhase = "running"
	NotebookStopped NotebookPhase = "stopped"
)

// LeaseStatus describes the state of a Notebook's time-bounded lease.
type LeaseStatus string

const (
	LeaseNone    LeaseStatus = "none"
	LeaseActive  LeaseStatus = "active"
	LeaseExpired LeaseStatus = "expired"
)

// RenewLeaseAnnotation requests a lease renewal when set on a Notebook.
// The reconciler consumes and clears it.
const RenewLeaseAnnotation = "kubeflow-mini.io/renew-lease"

// NotebookSpec defines the desired state of Notebook.
type NotebookSpec struct {
	// Image is the notebook server container image.
	Image string `json:"image"`

	// +optional
	CPULimit resource.Quantity `json:"cpuLimit,omitempty"`

	// +optional
	MemoryLimit resource.Quantity `json:"memoryLimit,omitempty"`

	// +optional
	GPULimit int64 `json:"gpuLimit,omitempty"`

	// LeaseDuration bounds how long the instance may run before the lease
	// expires.
	LeaseDuration metav1.Duration `json:"leaseDuration"`

	// MaxLeaseRenewals bounds how many times the lease may be renewed.
	// +optional
	MaxLeaseRenewals int32 `json:"maxLeaseRenewals,omitempty"`

	// ProjectRef names the Project whose quota this notebook consumes.
	ProjectRef string `json:"projectRef"`

	// Stopped requests an explicit stop of the workload instance without
	// affecting lease timing.
	// +optional
	Stopped bool `json:"stopped,omitempty"`
}

// NotebookStatus defines the observed state of Notebook.
type NotebookStatus struct {
	// +optional
	Phase NotebookPhase `json:"phase,omitempty"`

	// +optional
	LeaseStatus LeaseStatus `json:"leaseStatus,omitempty"`

	// LeaseStart is when the current lease began; reset on renewal.
	// +optional
	LeaseStart *metav1.Time `json:"leaseStart,omitempty"`

	// +optional
	LeaseRenewalCount int32 `json:"leaseRenewalCount,omitempty"`

	// Reserved records the quota delta this notebook reserved.
	// +optional
	Reserved *ResourceUsage `json:"reserved,omitempty"`

	// +optional
	Conditions []Condition `json:"conditions,omitempty"`
}

// LeaseExpiresAt returns the instant the current lease runs out, or nil
// when no lease has been started.
func (nb *Notebook) LeaseExpiresAt() *metav1.Time {
	if nb.Status.LeaseStart == nil {
		return nil
	}
	t := metav1.NewTime(nb.Status.LeaseStart.Add(nb.Spec.LeaseDuration.Duration))
	return &t
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=nb
// +kubebuilder:printcolumn:name="Phase",type="string",JSONPath=".status.phase"
// +kubebuilder:printcolumn:name="Lease",type="string",JSONPath=".status.leaseStatus"
// +kubebuilder:printcolumn:name="Renewals",type="integer",JSONPath=".status.leaseRenewalCount"

// Notebook is the Schema for the notebooks API. While its lease is active
// it owns a running workload instance (Deployment plus Service).
type Notebook struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   NotebookSpec   `json:"spec,omitempty"`
	Status NotebookStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// NotebookList contains a list of Notebook.
type NotebookList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Notebook `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Notebook{}, &NotebookList{})
}
