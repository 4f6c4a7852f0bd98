// Package training manages the lifecycle of external training job
// resources (TFJob, PyTorchJob and the like) on behalf of MLJobs. The
// payload is opaque: objects are built and read as unstructured data so
// no framework CRD type needs to be compiled in.
package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	miniv1 "github.com/kubeflow-mini/kubeflow-mini/api/v1"
)

// Label keys stamped onto every managed training job object.
const (
	LabelJobID      = "kubeflow-mini.io/job-id"
	LabelProject    = "kubeflow-mini.io/project"
	LabelOwner      = "kubeflow-mini.io/owner"
	LabelDepartment = "kubeflow-mini.io/department"
	LabelManagedBy  = "app.kubernetes.io/managed-by"

	managedByValue = "kubeflow-mini"
)

// InvalidTrainingError marks a training payload that can never be
// submitted, such as a malformed apiVersion. It is permanent: retrying
// the same payload cannot succeed.
type InvalidTrainingError struct {
	Field  string
	Value  string
	Reason string
}

func (e *InvalidTrainingError) Error() string {
	return fmt.Sprintf("invalid training payload: field %s value %q: %s", e.Field, e.Value, e.Reason)
}

// IsInvalidTraining reports whether err marks a permanently invalid
// training payload.
func IsInvalidTraining(err error) bool {
	var ie *InvalidTrainingError
	return errors.As(err, &ie)
}

// GVK resolves the GroupVersionKind of the training payload from its
// apiVersion and kind fields.
func GVK(ts miniv1.TrainingSpec) (schema.GroupVersionKind, error) {
	parts := strings.Split(ts.APIVersion, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return schema.GroupVersionKind{}, &InvalidTrainingError{
			Field: "apiVersion", Value: ts.APIVersion,
			Reason: "expected group/version",
		}
	}
	if ts.Kind == "" {
		return schema.GroupVersionKind{}, &InvalidTrainingError{
			Field: "kind", Value: ts.Kind, Reason: "must not be empty",
		}
	}
	return schema.GroupVersionKind{Group: parts[0], Version: parts[1], Kind: ts.Kind}, nil
}

// Client creates, reads and deletes external training job objects.
type Client struct {
	client client.Client
	scheme *runtime.Scheme
}

// NewClient builds a training Client.
func NewClient(c client.Client, scheme *runtime.Scheme) *Client {
	return &Client{client: c, scheme: scheme}
}

// Create submits the training job for the given MLJob, owned by it so
// garbage collection covers orphan cleanup. An already existing object
// is treated as success so the operation is safe to repeat.
func (c *Client) Create(ctx context.Context, job *miniv1.MLJob, department string) error {
	gvk, err := GVK(job.Spec.Training)
	if err != nil {
		return err
	}

	var spec map[string]any
	if len(job.Spec.Training.Spec.Raw) > 0 {
		if err := json.Unmarshal(job.Spec.Training.Spec.Raw, &spec); err != nil {
			return &InvalidTrainingError{Field: "spec", Value: "<raw>", Reason: err.Error()}
		}
	}

	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(gvk)
	obj.SetName(job.Name)
	obj.SetNamespace(job.Namespace)
	labels := map[string]string{
		LabelJobID:     job.Spec.JobID,
		LabelProject:   job.Spec.ProjectRef,
		LabelOwner:     job.Spec.OwnerRef,
		LabelManagedBy: managedByValue,
	}
	if department != "" {
		labels[LabelDepartment] = department
	}
	obj.SetLabels(labels)
	if spec != nil {
		if err := unstructured.SetNestedMap(obj.Object, spec, "spec"); err != nil {
			return fmt.Errorf("setting training spec: %w", err)
		}
	}
	if err := controllerutil.SetControllerReference(job, obj, c.scheme); err != nil {
		return fmt.Errorf("setting owner reference: %w", err)
	}

	if err := c.client.Create(ctx, obj); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return err
	}
	return nil
}

// Get fetches the training job object for the given MLJob. A missing
// object returns (nil, nil).
func (c *Client) Get(ctx context.Context, job *miniv1.MLJob) (*unstructured.Unstructured, error) {
	gvk, err := GVK(job.Spec.Training)
	if err != nil {
		return nil, err
	}
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(gvk)
	key := types.NamespacedName{Namespace: job.Namespace, Name: job.Name}
	if err := c.client.Get(ctx, key, obj); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return obj, nil
}

// Delete removes the training job object. A missing object is success.
func (c *Client) Delete(ctx context.Context, job *miniv1.MLJob) error {
	gvk, err := GVK(job.Spec.Training)
	if err != nil {
		return err
	}
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(gvk)
	obj.SetName(job.Name)
	obj.SetNamespace(job.Namespace)
	if err := c.client.Delete(ctx, obj); err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	return nil
}

// ExtractPhase reads the observed phase from a training job's status.
// It prefers status.phase; absent that, the most recently transitioned
// condition with status True names the phase. An empty string means the
// framework has not reported yet.
func ExtractPhase(obj *unstructured.Unstructured) string {
	if phase, found, _ := unstructured.NestedString(obj.Object, "status", "phase"); found && phase != "" {
		return phase
	}
	conds, found, _ := unstructured.NestedSlice(obj.Object, "status", "conditions")
	if !found {
		return ""
	}
	var phase, newest string
	for _, c := range conds {
		cond, ok := c.(map[string]any)
		if !ok {
			continue
		}
		status, _ := cond["status"].(string)
		condType, _ := cond["type"].(string)
		ts, _ := cond["lastTransitionTime"].(string)
		if status != "True" || condType == "" {
			continue
		}
		if phase == "" || ts >= newest {
			phase = condType
			newest = ts
		}
	}
	return phase
}

// MapPhase folds a framework-reported phase onto the MLJob phase set.
// Unrecognized values map to Unknown rather than failing the job.
func MapPhase(external string) miniv1.MLJobPhase {
	switch external {
	case "Succeeded":
		return miniv1.MLJobSucceeded
	case "Failed":
		return miniv1.MLJobFailed
	case "Running", "Created", "Restarting":
		return miniv1.MLJobRunning
	case "Pending", "":
		return miniv1.MLJobPending
	default:
		return miniv1.MLJobUnknown
	}
}
