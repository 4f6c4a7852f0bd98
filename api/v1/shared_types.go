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

// ConditionStatus is the status of a condition: True, False or Unknown.
type ConditionStatus string

const (
	ConditionTrue    ConditionStatus = "True"
	ConditionFalse   ConditionStatus = "False"
	ConditionUnknown ConditionStatus = "Unknown"
)

// Condition records one observed state transition. Conditions are an
// append-mostly log deduplicated by Type: a newer observation for a given
// type replaces the previous entry.
type Condition struct {
	// Type of the condition, e.g. Admitted, QuotaExceeded, LeaseExpired.
	Type string `json:"type"`

	// Status of the condition.
	Status ConditionStatus `json:"status"`

	// LastTransitionTime is when the condition last changed.
	LastTransitionTime metav1.Time `json:"lastTransitionTime"`

	// Reason is a one-word CamelCase reason for the transition.
	// +optional
	Reason string `json:"reason,omitempty"`

	// Message is a human-readable explanation.
	// +optional
	Message string `json:"message,omitempty"`
}

// ResourceUsage is a point on every quota dimension tracked per Project.
// It doubles as the delta shape reserved/released by MLJobs and Notebooks.
type ResourceUsage struct {
	// GPU is the number of GPUs consumed.
	// +optional
	GPU int64 `json:"gpu,omitempty"`

	// CPU is the aggregate CPU consumed.
	// +optional
	CPU resource.Quantity `json:"cpu,omitempty"`

	// Memory is the aggregate memory consumed.
	// +optional
	Memory resource.Quantity `json:"memory,omitempty"`

	// Storage is the aggregate ephemeral storage consumed.
	// +optional
	Storage resource.Quantity `json:"storage,omitempty"`

	// CurrentJobs is the number of concurrently admitted jobs.
	// +optional
	CurrentJobs int32 `json:"currentJobs,omitempty"`
}

// IsZero reports whether no dimension carries any usage.
func (u *ResourceUsage) IsZero() bool {
	return u.GPU == 0 && u.CPU.IsZero() && u.Memory.IsZero() && u.Storage.IsZero() && u.CurrentJobs == 0
}
