package events

import (
	"fmt"

	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
)

const (
	// Event reasons emitted on MLJobs and Notebooks.
	ReasonAdmitted             = "Admitted"
	ReasonQuotaExceeded        = "QuotaExceeded"
	ReasonCreated              = "Created"
	ReasonCompleted            = "Completed"
	ReasonFailed               = "Failed"
	ReasonSpecIgnored          = "SpecIgnored"
	ReasonInvalidReference     = "InvalidReference"
	ReasonLeaseExpired         = "LeaseExpired"
	ReasonLeaseRenewed         = "LeaseRenewed"
	ReasonLeaseRenewalExceeded = "LeaseRenewalExhausted"
	ReasonRetriesExhausted     = "RetriesExhausted"

	// Event types
	EventTypeNormal  = "Normal"
	EventTypeWarning = "Warning"
)

// Recorder wraps the Kubernetes event recorder with typed helpers for
// the lifecycle events the controllers emit.
type Recorder struct {
	recorder record.EventRecorder
}

// NewRecorder creates a new Recorder.
func NewRecorder(recorder record.EventRecorder) *Recorder {
	return &Recorder{recorder: recorder}
}

// Admitted records a successful quota reservation.
func (r *Recorder) Admitted(obj runtime.Object, project string) {
	r.recorder.Eventf(obj, EventTypeNormal, ReasonAdmitted,
		"Reserved quota on project %s", project)
}

// QuotaExceeded records a rejected reservation.
func (r *Recorder) QuotaExceeded(obj runtime.Object, err error) {
	r.recorder.Eventf(obj, EventTypeWarning, ReasonQuotaExceeded, "%v", err)
}

// Created records submission of the backing workload.
func (r *Recorder) Created(obj runtime.Object, kind, name string) {
	r.recorder.Eventf(obj, EventTypeNormal, ReasonCreated,
		"Created %s %s", kind, name)
}

// Completed records a job reaching the Succeeded phase.
func (r *Recorder) Completed(obj runtime.Object) {
	r.recorder.Eventf(obj, EventTypeNormal, ReasonCompleted, "Training completed")
}

// Failed records a job reaching the Failed phase.
func (r *Recorder) Failed(obj runtime.Object, message string) {
	r.recorder.Eventf(obj, EventTypeWarning, ReasonFailed, "%s", message)
}

// SpecIgnored records a rejected post-creation spec change.
func (r *Recorder) SpecIgnored(obj runtime.Object) {
	r.recorder.Eventf(obj, EventTypeWarning, ReasonSpecIgnored,
		"Spec changes after creation are ignored; delete and recreate to apply them")
}

// InvalidReference records a missing or inactive project or owner.
func (r *Recorder) InvalidReference(obj runtime.Object, kind, name, problem string) {
	r.recorder.Eventf(obj, EventTypeWarning, ReasonInvalidReference,
		"%s %q %s", kind, name, problem)
}

// LeaseExpired records a notebook lease expiring.
func (r *Recorder) LeaseExpired(obj runtime.Object) {
	r.recorder.Eventf(obj, EventTypeNormal, ReasonLeaseExpired, "Lease expired, notebook stopped")
}

// LeaseRenewed records a lease renewal with the count consumed so far.
func (r *Recorder) LeaseRenewed(obj runtime.Object, count, max int32) {
	msg := fmt.Sprintf("Lease renewed (%d", count)
	if max > 0 {
		msg += fmt.Sprintf(" of %d", max)
	}
	msg += ")"
	r.recorder.Eventf(obj, EventTypeNormal, ReasonLeaseRenewed, "%s", msg)
}

// LeaseRenewalExhausted records a renewal attempt past the limit.
func (r *Recorder) LeaseRenewalExhausted(obj runtime.Object, max int32) {
	r.recorder.Eventf(obj, EventTypeWarning, ReasonLeaseRenewalExceeded,
		"Renewal limit of %d reached", max)
}

// RetriesExhausted records an operation abandoned after its retry
// budget.
func (r *Recorder) RetriesExhausted(obj runtime.Object, err error) {
	r.recorder.Eventf(obj, EventTypeWarning, ReasonRetriesExhausted, "%v", err)
}
