package quota

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/runtime"

	miniv1 "github.com/kubeflow-mini/kubeflow-mini/api/v1"
)

func trainingSpec(raw string) miniv1.TrainingSpec {
	return miniv1.TrainingSpec{
		APIVersion: "kubeflow.org/v1",
		Kind:       "PyTorchJob",
		Spec:       runtime.RawExtension{Raw: []byte(raw)},
	}
}

func TestDeltaForTrainingSumsReplicaSpecs(t *testing.T) {
	// Master 1x(1 gpu, 2 cpu, 4Gi), Worker 2x(2 gpu, 4 cpu, 8Gi)
	spec := trainingSpec(`{
		"pytorchReplicaSpecs": {
			"Master": {
				"replicas": 1,
				"template": {"spec": {"containers": [
					{"resources": {"requests": {"nvidia.com/gpu": "1", "cpu": "2", "memory": "4Gi"}}}
				]}}
			},
			"Worker": {
				"replicas": 2,
				"template": {"spec": {"containers": [
					{"resources": {"requests": {"nvidia.com/gpu": "2", "cpu": "4", "memory": "8Gi"}}}
				]}}
			}
		}
	}`)

	delta, err := DeltaForTraining(spec)
	require.NoError(t, err)

	assert.Equal(t, int64(5), delta.GPU)
	assert.Equal(t, int64(10000), delta.CPU.MilliValue())
	assert.Equal(t, int64(20*1024*1024*1024), delta.Memory.Value())
	assert.Equal(t, int32(1), delta.CurrentJobs)
}

func TestDeltaForTrainingDefaultsReplicasToOne(t *testing.T) {
	spec := trainingSpec(`{
		"replicaSpecs": {
			"Worker": {
				"template": {"spec": {"containers": [
					{"resources": {"requests": {"cpu": "500m"}}}
				]}}
			}
		}
	}`)

	delta, err := DeltaForTraining(spec)
	require.NoError(t, err)

	assert.Equal(t, int64(500), delta.CPU.MilliValue())
	assert.Equal(t, int64(0), delta.GPU)
}

func TestDeltaForTrainingHandlesMissingRequests(t *testing.T) {
	spec := trainingSpec(`{
		"replicaSpecs": {
			"Worker": {"replicas": 3, "template": {"spec": {"containers": [{"name": "w"}]}}}
		}
	}`)

	delta, err := DeltaForTraining(spec)
	require.NoError(t, err)

	assert.True(t, delta.CPU.IsZero())
	assert.Equal(t, int32(1), delta.CurrentJobs)
}

func TestDeltaForTrainingEmptyPayload(t *testing.T) {
	delta, err := DeltaForTraining(miniv1.TrainingSpec{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), delta.CurrentJobs)
}

func TestDeltaForTrainingRejectsMalformedJSON(t *testing.T) {
	_, err := DeltaForTraining(trainingSpec(`{not json`))
	assert.Error(t, err)
}

func TestDeltaForNotebook(t *testing.T) {
	delta := DeltaForNotebook(miniv1.NotebookSpec{
		GPULimit:    1,
		CPULimit:    resource.MustParse("2"),
		MemoryLimit: resource.MustParse("4Gi"),
	})

	assert.Equal(t, int64(1), delta.GPU)
	assert.Equal(t, int64(2000), delta.CPU.MilliValue())
	assert.Equal(t, int32(1), delta.CurrentJobs)
}

func TestJobCountSlices(t *testing.T) {
	delta := miniv1.ResourceUsage{
		GPU:         2,
		CPU:         resource.MustParse("4"),
		CurrentJobs: 1,
	}

	slot := JobCountOnly(delta)
	assert.Equal(t, int32(1), slot.CurrentJobs)
	assert.Equal(t, int64(0), slot.GPU)
	assert.True(t, slot.CPU.IsZero())

	rest := WithoutJobCount(delta)
	assert.Equal(t, int32(0), rest.CurrentJobs)
	assert.Equal(t, int64(2), rest.GPU)
	assert.Equal(t, int64(4000), rest.CPU.MilliValue())
}
