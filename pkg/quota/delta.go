package quota

import (
	"encoding/json"
	"fmt"

	"k8s.io/apimachinery/pkg/api/resource"

	miniv1 "github.com/kubeflow-mini/kubeflow-mini/api/v1"
)

// DeltaForTraining computes the reservation for a training job from its
// opaque payload. Every replica spec (a map carrying a pod "template",
// with an optional "replicas" count defaulting to 1) contributes the
// container resource requests multiplied by the replica count. The
// payload schema varies per training framework, so replica specs are
// located by a structural walk instead of fixed paths.
func DeltaForTraining(training miniv1.TrainingSpec) (miniv1.ResourceUsage, error) {
	delta := miniv1.ResourceUsage{CurrentJobs: 1}
	if len(training.Spec.Raw) == 0 {
		return delta, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(training.Spec.Raw, &doc); err != nil {
		return miniv1.ResourceUsage{}, fmt.Errorf("decoding training spec: %w", err)
	}

	walkReplicaSpecs(doc, func(replicas int64, containers []any) {
		for _, c := range containers {
			container, ok := c.(map[string]any)
			if !ok {
				continue
			}
			requests := dig(container, "resources", "requests")
			if requests == nil {
				continue
			}
			gpu := quantityAt(requests, "nvidia.com/gpu")
			delta.GPU += gpu.Value() * replicas
			addScaled(&delta.CPU, quantityAt(requests, "cpu"), replicas, resource.DecimalSI)
			addScaled(&delta.Memory, quantityAt(requests, "memory"), replicas, resource.BinarySI)
			addScaled(&delta.Storage, quantityAt(requests, "ephemeral-storage"), replicas, resource.BinarySI)
		}
	})
	return delta, nil
}

// DeltaForNotebook computes the reservation for a notebook session from
// its declared limits. A notebook occupies one job slot like any other
// workload.
func DeltaForNotebook(spec miniv1.NotebookSpec) miniv1.ResourceUsage {
	return miniv1.ResourceUsage{
		GPU:         spec.GPULimit,
		CPU:         spec.CPULimit,
		Memory:      spec.MemoryLimit,
		CurrentJobs: 1,
	}
}

// JobCountOnly is the terminal-phase slice of a reservation: the job
// slot alone, released when a job reaches a terminal phase while its
// compute dimensions stay held until the external object is gone.
func JobCountOnly(delta miniv1.ResourceUsage) miniv1.ResourceUsage {
	return miniv1.ResourceUsage{CurrentJobs: delta.CurrentJobs}
}

// WithoutJobCount is the complement of JobCountOnly.
func WithoutJobCount(delta miniv1.ResourceUsage) miniv1.ResourceUsage {
	out := *delta.DeepCopy()
	out.CurrentJobs = 0
	return out
}

func walkReplicaSpecs(node any, visit func(replicas int64, containers []any)) {
	m, ok := node.(map[string]any)
	if !ok {
		return
	}
	if containers, ok := dig(m, "template", "spec", "containers").([]any); ok {
		replicas := int64(1)
		if r, ok := m["replicas"].(float64); ok && r > 0 {
			replicas = int64(r)
		}
		visit(replicas, containers)
		return
	}
	for _, v := range m {
		walkReplicaSpecs(v, visit)
	}
}

func dig(m map[string]any, path ...string) any {
	var cur any = m
	for _, key := range path {
		next, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = next[key]
	}
	return cur
}

func quantityAt(node any, key string) resource.Quantity {
	m, ok := node.(map[string]any)
	if !ok {
		return resource.Quantity{}
	}
	switch v := m[key].(type) {
	case string:
		q, err := resource.ParseQuantity(v)
		if err != nil {
			return resource.Quantity{}
		}
		return q
	case float64:
		return *resource.NewQuantity(int64(v), resource.DecimalSI)
	default:
		return resource.Quantity{}
	}
}

func addScaled(dst *resource.Quantity, q resource.Quantity, replicas int64, format resource.Format) {
	if q.IsZero() {
		return
	}
	scaled := resource.NewMilliQuantity(q.MilliValue()*replicas, format)
	dst.Add(*scaled)
}
