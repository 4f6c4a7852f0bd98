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

// ProjectPhase describes the lifecycle phase of a Project.
type ProjectPhase string

const (
	ProjectActive      ProjectPhase = "Active"
	ProjectInactive    ProjectPhase = "Inactive"
	ProjectTerminating ProjectPhase = "Terminating"
)

// ProjectQuota is the set of hard limits enforced per quota dimension.
type ProjectQuota struct {
	// GPULimit is the maximum number of GPUs the project may consume.
	// +optional
	GPULimit int64 `json:"gpuLimit,omitempty"`

	// CPULimit is the maximum aggregate CPU the project may consume.
	// +optional
	CPULimit resource.Quantity `json:"cpuLimit,omitempty"`

	// MemoryLimit is the maximum aggregate memory the project may consume.
	// +optional
	MemoryLimit resource.Quantity `json:"memoryLimit,omitempty"`

	// StorageLimit is the maximum aggregate ephemeral storage.
	// +optional
	StorageLimit resource.Quantity `json:"storageLimit,omitempty"`

	// MaxJobs is the maximum number of concurrently admitted jobs.
	// +optional
	MaxJobs int32 `json:"maxJobs,omitempty"`
}

// ProjectSpec defines the desired state of Project.
type ProjectSpec struct {
	// DisplayName is the human-facing project name.
	// +optional
	DisplayName string `json:"displayName,omitempty"`

	// Quota is the set of hard limits for this project. A zero limit on a
	// dimension means the dimension is unconstrained.
	// +optional
	Quota ProjectQuota `json:"quota,omitempty"`
}

// ProjectStatus defines the observed state of Project. Usage is derived,
// never set by clients: only the quota tracker mutates it.
type ProjectStatus struct {
	// +optional
	Phase ProjectPhase `json:"phase,omitempty"`

	// Usage is the current committed usage across all dimensions.
	// +optional
	Usage ResourceUsage `json:"usage,omitempty"`

	// +optional
	Conditions []Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Cluster,shortName=proj
// +kubebuilder:printcolumn:name="Phase",type="string",JSONPath=".status.phase"
// +kubebuilder:printcolumn:name="Jobs",type="integer",JSONPath=".status.usage.currentJobs"
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// Project is the Schema for the projects API. A Project owns a resource
// quota and aggregates usage from the MLJobs and Notebooks that reference it.
type Project struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ProjectSpec   `json:"spec,omitempty"`
	Status ProjectStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// ProjectList contains a list of Project.
type ProjectList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Project `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Project{}, &ProjectList{})
}
