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
)

// OwnerPhase describes whether an Owner may be referenced by new jobs.
type OwnerPhase string

const (
	OwnerActive   OwnerPhase = "Active"
	OwnerInactive OwnerPhase = "Inactive"
)

// OwnerSpec defines the desired state of Owner.
type OwnerSpec struct {
	// Department the owner belongs to. Propagated as a label onto
	// training-job resources.
	Department string `json:"department"`
}

// OwnerStatus defines the observed state of Owner.
type OwnerStatus struct {
	// +optional
	Phase OwnerPhase `json:"phase,omitempty"`

	// +optional
	Conditions []Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Cluster
// +kubebuilder:printcolumn:name="Department",type="string",JSONPath=".spec.department"
// +kubebuilder:printcolumn:name="Phase",type="string",JSONPath=".status.phase"

// Owner is the Schema for the owners API: an identity record referenced by
// MLJobs via an immutable owner reference set at creation.
type Owner struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   OwnerSpec   `json:"spec,omitempty"`
	Status OwnerStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// OwnerList contains a list of Owner.
type OwnerList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Owner `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Owner{}, &OwnerList{})
}
