package minicluster_test

import (
	"context"
	"errors"
	"testing"

	"github.com/kiranshivaraju/kueuexec/internal/kube/kubetest"
	"github.com/kiranshivaraju/kueuexec/internal/operator/cluster"
	"github.com/kiranshivaraju/kueuexec/internal/operator/minicluster"
	"github.com/kiranshivaraju/kueuexec/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	k8stesting "k8s.io/client-go/testing"
)

func newOperator(t *testing.T) (*minicluster.Operator, *kubetest.Fake) {
	t.Helper()
	f := kubetest.New("hpc")
	h := cluster.NewHelper(f.Client, cluster.Settings{
		QueueName:        "user-queue",
		JobPrefix:        "snakejob",
		ContainerWorkdir: "/workdir",
		FluxViewImage:    "ghcr.io/converged-computing/flux-view-rocky:tag-9",
	}, "rule all: pass\n")
	return minicluster.New(h), f
}

func request() models.JobRequest {
	return models.JobRequest{
		Name:      "call_variants",
		ID:        3,
		Resources: models.Resources{Cores: 4, Nodes: 2, Tasks: 8, Operator: models.OperatorMiniCluster},
	}
}

func input() models.GenerateInput {
	return models.GenerateInput{
		Image:   "ghcr.io/rse-ops/mamba:app-mamba",
		Command: "/bin/bash",
		Args:    []string{"-c", "echo 'snakemake --cores 4' && cd /workdir && snakemake --cores 4"},
	}
}

func TestSplitCommand(t *testing.T) {
	setup, launch := minicluster.SplitCommand("echo 'x' && cd /workdir &&  snakemake ")
	assert.Equal(t, []string{"echo 'x'", "cd /workdir"}, setup)
	assert.Equal(t, "snakemake", launch)

	setup, launch = minicluster.SplitCommand("snakemake")
	assert.Empty(t, setup)
	assert.Equal(t, "snakemake", launch)

	_, launch = minicluster.SplitCommand(" && ")
	assert.Empty(t, launch)
}

func TestGenerate_MiniCluster(t *testing.T) {
	op, _ := newOperator(t)

	d, err := op.Generate(request(), input())
	require.NoError(t, err)
	desc, ok := d.(*models.MiniClusterDescriptor)
	require.True(t, ok)

	assert.Equal(t, "snakejob-call-variants-3", desc.Prefix())
	assert.Equal(t, int32(2), desc.Size)
	assert.Equal(t, int32(2), desc.ExpectedCompletions())
	assert.Equal(t, "snakemake --cores 4", desc.LaunchCommand)
	assert.Contains(t, desc.PreScript, ". /mnt/flux/flux-view.sh\nexport FLUX_URI=$fluxsocket\n")
	assert.Contains(t, desc.PreScript, "cd /workdir")
	assert.Contains(t, desc.PreScript, "> "+minicluster.ScriptPath)

	obj := desc.Resource.Object
	assert.Equal(t, "flux-framework.org/v1alpha2", desc.Resource.GetAPIVersion())
	assert.Equal(t, "MiniCluster", desc.Resource.GetKind())

	size, _, _ := unstructured.NestedInt64(obj, "spec", "size")
	tasks, _, _ := unstructured.NestedInt64(obj, "spec", "tasks")
	assert.Equal(t, int64(2), size)
	assert.Equal(t, int64(8), tasks)

	queue, _, _ := unstructured.NestedString(obj, "spec", "jobLabels", cluster.QueueLabel)
	assert.Equal(t, "user-queue", queue)

	containers, _, _ := unstructured.NestedSlice(obj, "spec", "containers")
	require.Len(t, containers, 1)
	c := containers[0].(map[string]any)
	assert.Equal(t, "/bin/bash /tmp/run-job.sh", c["command"])
	assert.Equal(t, "4", c["resources"].(map[string]any)["requests"].(map[string]any)["cpu"])
	assert.Equal(t, "200Mi", c["resources"].(map[string]any)["limits"].(map[string]any)["memory"])

	_, hasDeadline, _ := unstructured.NestedInt64(obj, "spec", "deadlineSeconds")
	assert.False(t, hasDeadline)
}

func TestGenerate_RequiresShellLine(t *testing.T) {
	op, _ := newOperator(t)
	in := input()
	in.Args = []string{"-c"}

	_, err := op.Generate(request(), in)
	assert.True(t, errors.Is(err, cluster.ErrInvalidRequest))
}

func TestSubmitStatusCleanup(t *testing.T) {
	op, f := newOperator(t)
	ctx := context.Background()

	d, err := op.Generate(request(), input())
	require.NoError(t, err)

	name, err := op.Submit(ctx, d)
	require.NoError(t, err)
	require.NotEmpty(t, name)

	_, err = f.Dynamic.Resource(minicluster.GVR).Namespace("hpc").Get(ctx, name, metav1.GetOptions{})
	require.NoError(t, err)

	job := &models.SubmittedJob{ExternalName: name, Descriptor: d, Operator: op}

	// The Flux Operator has not created its Job yet.
	assert.Equal(t, models.StatusPending, op.Status(ctx, job).Status)

	_, err = f.Core.BatchV1().Jobs("hpc").Create(ctx, &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status:     batchv1.JobStatus{Succeeded: 2},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	obs := op.Status(ctx, job)
	assert.Equal(t, models.StatusSucceeded, obs.Status)
	assert.Equal(t, int32(2), obs.Completions)

	require.NoError(t, op.Cleanup(ctx, job))
	require.NoError(t, op.Cleanup(ctx, job))

	list, err := f.Dynamic.Resource(minicluster.GVR).Namespace("hpc").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list.Items)

	cms, err := f.Core.CoreV1().ConfigMaps("hpc").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, cms.Items)
}

func TestSubmit_RejectedRemovesConfigMap(t *testing.T) {
	op, f := newOperator(t)
	f.Dynamic.PrependReactor("create", "miniclusters", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("no matches for kind MiniCluster")
	})

	d, err := op.Generate(request(), input())
	require.NoError(t, err)

	_, err = op.Submit(context.Background(), d)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cluster.ErrSubmitRejected))

	cms, err := f.Core.CoreV1().ConfigMaps("hpc").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, cms.Items)
}
