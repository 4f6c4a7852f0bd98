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
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// MLJobPhase describes the lifecycle phase of an MLJob. Succeeded and
// Failed are terminal.
type MLJobPhase string

const (
	MLJobPending   MLJobPhase = "Pending"
	MLJobRunning   MLJobPhase = "Running"
	MLJobSucceeded MLJobPhase = "Succeeded"
	MLJobFailed    MLJobPhase = "Failed"
	MLJobUnknown   MLJobPhase = "Unknown"
)

// IsTerminal reports whether the phase is final.
func (p MLJobPhase) IsTerminal() bool {
	return p == MLJobSucceeded || p == MLJobFailed
}

// TrainingSpec is the opaque, fully-specified training-job payload handed
// to the external training controller. Spec is intentionally untyped at
// this layer; it is validated only by the external controller.
type TrainingSpec struct {
	// APIVersion of the external training-job resource, e.g. kubeflow.org/v1.
	APIVersion string `json:"apiVersion"`

	// Kind of the external training-job resource, e.g. PyTorchJob.
	Kind string `json:"kind"`

	// Spec is the external resource's spec, passed through verbatim.
	// +kubebuilder:pruning:PreserveUnknownFields
	Spec runtime.RawExtension `json:"spec"`
}

// MLJobSpec defines the desired state of MLJob.
type MLJobSpec struct {
	// JobID is a stable external identifier, propagated as a label onto
	// the training-job resource.
	// +optional
	JobID string `json:"jobId,omitempty"`

	// ProjectRef names the Project whose quota this job consumes.
	ProjectRef string `json:"projectRef"`

	// OwnerRef names the Owner this job belongs to. Immutable after creation.
	OwnerRef string `json:"ownerRef"`

	// Training is the external training-job payload.
	Training TrainingSpec `json:"training"`
}

// MLJobStatus defines the observed state of MLJob. The phase mirrors the
// external training-job's status; it is never written by clients.
type MLJobStatus struct {
	// +optional
	Phase MLJobPhase `json:"phase,omitempty"`

	// +optional
	StartTime *metav1.Time `json:"startTime,omitempty"`

	// CompletionTime is set exactly once, on first observation of a
	// terminal phase.
	// +optional
	CompletionTime *metav1.Time `json:"completionTime,omitempty"`

	// ResourceUsage mirrors the usage reported by the external controller.
	// +optional
	ResourceUsage *ResourceUsage `json:"resourceUsage,omitempty"`

	// Reserved records the quota delta this job reserved, so a redelivered
	// delete event cannot double-release.
	// +optional
	Reserved *ResourceUsage `json:"reserved,omitempty"`

	// JobCountReleased marks that the job-count dimension was released at
	// terminal-phase entry.
	// +optional
	JobCountReleased bool `json:"jobCountReleased,omitempty"`

	// ObservedGeneration is the spec generation the controller acted on.
	// A later generation is reported as ignored rather than applied.
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// +optional
	Conditions []Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=mlj
// +kubebuilder:printcolumn:name="Project",type="string",JSONPath=".spec.projectRef"
// +kubebuilder:printcolumn:name="Phase",type="string",JSONPath=".status.phase"
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// MLJob is the Schema for the mljobs API. It owns exactly one external
// training-job resource, created with an owner reference so garbage
// collection removes it when the MLJob is deleted.
type MLJob struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   MLJobSpec   `json:"spec,omitempty"`
	Status MLJobStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// MLJobList contains a list of MLJob.
type MLJobList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []MLJob `json:"items"`
}

func init() {
	SchemeBuilder.Register(&MLJob{}, &MLJobList{})
}
