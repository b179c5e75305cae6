package mpijob_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/kiranshivaraju/kueuexec/internal/kube/kubetest"
	"github.com/kiranshivaraju/kueuexec/internal/operator/cluster"
	"github.com/kiranshivaraju/kueuexec/internal/operator/mpijob"
	"github.com/kiranshivaraju/kueuexec/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
)

func newOperator(t *testing.T) (*mpijob.Operator, *kubetest.Fake) {
	t.Helper()
	f := kubetest.New("default")
	h := cluster.NewHelper(f.Client, cluster.Settings{
		QueueName:        "user-queue",
		JobPrefix:        "snakejob",
		ContainerWorkdir: "/workdir",
		PullAlways:       true,
	}, "rule all: pass\n")
	return mpijob.New(h), f
}

func request() models.JobRequest {
	return models.JobRequest{
		Name:      "lammps",
		ID:        12,
		Resources: models.Resources{Cores: 1, Nodes: 3, Operator: models.OperatorMPIJob},
	}
}

func input() models.GenerateInput {
	return models.GenerateInput{
		Image:   "ghcr.io/converged-computing/metric-lammps:latest",
		Command: "/bin/bash",
		Args:    []string{"-c", "mpirun -np 3 lmp -in in.reaxc.hns"},
	}
}

func replica(t *testing.T, obj map[string]any, role string) (int64, corev1.PodSpec) {
	t.Helper()
	spec, found, err := unstructured.NestedMap(obj, "spec", "mpiReplicaSpecs", role)
	require.NoError(t, err)
	require.True(t, found)

	replicas, _, _ := unstructured.NestedInt64(spec, "replicas")
	podMap, _, _ := unstructured.NestedMap(spec, "template", "spec")

	var pod corev1.PodSpec
	require.NoError(t, runtime.DefaultUnstructuredConverter.FromUnstructured(podMap, &pod))
	return replicas, pod
}

func TestGenerate_MPIJob(t *testing.T) {
	op, _ := newOperator(t)

	d, err := op.Generate(request(), input())
	require.NoError(t, err)
	desc, ok := d.(*models.MPIJobDescriptor)
	require.True(t, ok)

	assert.Equal(t, int32(3), desc.Workers)
	assert.Equal(t, int32(1), desc.ExpectedCompletions())
	assert.Equal(t, "snakejob-lammps-12", desc.Prefix())
	assert.Equal(t, "user-queue", desc.Resource.GetLabels()[cluster.QueueLabel])

	obj := desc.Resource.Object
	policy, _, _ := unstructured.NestedString(obj, "spec", "runPolicy", "cleanPodPolicy")
	ttl, _, _ := unstructured.NestedInt64(obj, "spec", "runPolicy", "ttlSecondsAfterFinished")
	assert.Equal(t, "Running", policy)
	assert.Equal(t, int64(60), ttl)

	replicas, launcher := replica(t, obj, "Launcher")
	assert.Equal(t, int64(1), replicas)
	require.Len(t, launcher.Containers, 1)
	lc := launcher.Containers[0]
	assert.Equal(t, mpijob.LauncherContainer, lc.Name)
	assert.Equal(t, "bash", lc.Command[0])
	assert.Equal(t, "-cx", lc.Command[1])
	assert.True(t, strings.HasPrefix(lc.Command[2], ". /etc/profile && /bin/bash -c "))
	assert.Contains(t, lc.Command[2], "mpirun -np 3")
	assert.Equal(t, corev1.PullAlways, lc.ImagePullPolicy)

	replicas, worker := replica(t, obj, "Worker")
	assert.Equal(t, int64(3), replicas)
	wc := worker.Containers[0]
	assert.Equal(t, []string{"/usr/sbin/sshd"}, wc.Command)
	assert.Equal(t, []string{"-De"}, wc.Args)
	require.NotNil(t, wc.Lifecycle)
	require.NotNil(t, wc.Lifecycle.PostStart.Exec)
}

func TestStatusReadsLauncherJob(t *testing.T) {
	op, f := newOperator(t)
	ctx := context.Background()

	d, err := op.Generate(request(), input())
	require.NoError(t, err)
	name, err := op.Submit(ctx, d)
	require.NoError(t, err)

	job := &models.SubmittedJob{ExternalName: name, Descriptor: d, Operator: op}
	assert.Equal(t, models.StatusPending, op.Status(ctx, job).Status)

	_, err = f.Core.BatchV1().Jobs("default").Create(ctx, &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: mpijob.LauncherJob(name)},
		Status:     batchv1.JobStatus{Succeeded: 1},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.StatusSucceeded, op.Status(ctx, job).Status)
}

func TestWriteLogAndCleanup(t *testing.T) {
	op, f := newOperator(t)
	ctx := context.Background()

	d, err := op.Generate(request(), input())
	require.NoError(t, err)
	name, err := op.Submit(ctx, d)
	require.NoError(t, err)

	_, err = f.Core.CoreV1().Pods("default").Create(ctx, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   mpijob.LauncherJob(name) + "-x1",
			Labels: map[string]string{cluster.JobNameLabel: mpijob.LauncherJob(name)},
		},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	job := &models.SubmittedJob{
		ExternalName: name,
		Descriptor:   d,
		Operator:     op,
		Logfile:      t.TempDir() + "/lammps.log",
	}

	require.NoError(t, op.WriteLog(ctx, job))
	data, err := os.ReadFile(job.Logfile)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "==== Job "+mpijob.LauncherJob(name)+"\n"))

	require.NoError(t, job.Cleanup(ctx))
	require.NoError(t, job.Cleanup(ctx))

	pods, err := f.Core.CoreV1().Pods("default").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, pods.Items)

	list, err := f.Dynamic.Resource(mpijob.GVR).Namespace("default").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list.Items)
}
