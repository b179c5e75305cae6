package batchjob_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kiranshivaraju/kueuexec/internal/kube/kubetest"
	"github.com/kiranshivaraju/kueuexec/internal/operator/batchjob"
	"github.com/kiranshivaraju/kueuexec/internal/operator/cluster"
	"github.com/kiranshivaraju/kueuexec/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	k8stesting "k8s.io/client-go/testing"
)

func ptr[T any](v T) *T { return &v }

func newOperator(t *testing.T, settings cluster.Settings) (*batchjob.Operator, *kubetest.Fake) {
	t.Helper()
	f := kubetest.New("default")
	if settings.QueueName == "" {
		settings.QueueName = "user-queue"
	}
	if settings.JobPrefix == "" {
		settings.JobPrefix = "snakejob"
	}
	if settings.ContainerWorkdir == "" {
		settings.ContainerWorkdir = "/workdir"
	}
	return batchjob.New(cluster.NewHelper(f.Client, settings, "rule all:\n    input: 'a.txt'\n")), f
}

func alignRequest() models.JobRequest {
	return models.JobRequest{
		Name: "align_reads",
		ID:   7,
		Resources: models.Resources{
			Cores:    2,
			Nodes:    1,
			Operator: models.OperatorBatchJob,
		},
	}
}

func generate(t *testing.T, op *batchjob.Operator, req models.JobRequest, in models.GenerateInput) *models.BatchJobDescriptor {
	t.Helper()
	d, err := op.Generate(req, in)
	require.NoError(t, err)
	desc, ok := d.(*models.BatchJobDescriptor)
	require.True(t, ok)
	return desc
}

func TestGenerate_BatchJob(t *testing.T) {
	op, _ := newOperator(t, cluster.Settings{})

	desc := generate(t, op, alignRequest(), models.GenerateInput{
		Image:   "snakemake/snakemake:latest",
		Command: "/bin/bash",
		Args:    []string{"-c", "echo hi"},
	})

	job := desc.Job
	assert.Equal(t, "snakejob-align-reads-7-", job.GenerateName)
	assert.Equal(t, "snakejob-align-reads-7", desc.Prefix())
	assert.Equal(t, "snakejob-align-reads-7-definition", desc.ConfigMap)
	assert.Equal(t, "user-queue", job.Labels[cluster.QueueLabel])
	assert.Equal(t, int32(1), *job.Spec.Parallelism)
	assert.Equal(t, int32(1), *job.Spec.Completions)
	assert.False(t, *job.Spec.Suspend)
	assert.Nil(t, job.Spec.ActiveDeadlineSeconds)

	require.Len(t, job.Spec.Template.Spec.Containers, 1)
	c := job.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "snakejob-align-reads-7", c.Name)
	assert.Equal(t, []string{"/bin/bash"}, c.Command)
	assert.Equal(t, []string{"-c", "echo hi"}, c.Args)
	assert.Equal(t, "/workdir", c.WorkingDir)
	assert.Equal(t, corev1.RestartPolicyNever, job.Spec.Template.Spec.RestartPolicy)

	cpu := c.Resources.Requests[corev1.ResourceCPU]
	mem := c.Resources.Requests[corev1.ResourceMemory]
	assert.Equal(t, "2", cpu.String())
	assert.Equal(t, "200Mi", mem.String())
	assert.Empty(t, c.Resources.Limits)

	require.Len(t, c.VolumeMounts, 2)
	assert.Equal(t, cluster.DefinitionMountPath, c.VolumeMounts[0].MountPath)
	assert.True(t, c.VolumeMounts[0].ReadOnly)
	assert.Equal(t, "/workdir", c.VolumeMounts[1].MountPath)

	vols := job.Spec.Template.Spec.Volumes
	require.Len(t, vols, 2)
	require.NotNil(t, vols[0].ConfigMap)
	assert.Equal(t, desc.ConfigMap, vols[0].ConfigMap.Name)
	assert.NotNil(t, vols[1].EmptyDir)
}

func TestGenerate_DeadlineEnvironmentAndNodes(t *testing.T) {
	op, _ := newOperator(t, cluster.Settings{})
	req := alignRequest()
	req.Resources.Nodes = 4
	req.Resources.Memory = "1Gi"
	req.Resources.Queue = "gpu-queue"

	desc := generate(t, op, req, models.GenerateInput{
		Image:       "busybox",
		Command:     "/bin/bash",
		Deadline:    ptr(int64(600)),
		Environment: map[string]string{"B": "2", "A": "1"},
	})

	job := desc.Job
	assert.Equal(t, int32(4), *job.Spec.Parallelism)
	assert.Equal(t, int32(4), *job.Spec.Completions)
	assert.Equal(t, int64(600), *job.Spec.ActiveDeadlineSeconds)
	assert.Equal(t, "gpu-queue", job.Labels[cluster.QueueLabel])
	assert.Equal(t, int32(4), desc.ExpectedCompletions())

	c := job.Spec.Template.Spec.Containers[0]
	assert.Equal(t, []corev1.EnvVar{{Name: "A", Value: "1"}, {Name: "B", Value: "2"}}, c.Env)
	assert.True(t, c.Resources.Requests[corev1.ResourceMemory].Equal(resource.MustParse("1Gi")))
}

func TestGenerate_FixedCompletions(t *testing.T) {
	op, _ := newOperator(t, cluster.Settings{Completions: 3})
	req := alignRequest()
	req.Resources.Nodes = 2

	desc := generate(t, op, req, models.GenerateInput{Image: "busybox", Command: "/bin/bash"})

	assert.Equal(t, int32(2), *desc.Job.Spec.Parallelism)
	assert.Equal(t, int32(3), *desc.Job.Spec.Completions)
}

func TestGenerate_NoCoresLeavesCPUUnset(t *testing.T) {
	op, _ := newOperator(t, cluster.Settings{})
	req := alignRequest()
	req.Resources.Cores = 0

	desc := generate(t, op, req, models.GenerateInput{Image: "busybox", Command: "/bin/bash"})

	_, hasCPU := desc.Job.Spec.Template.Spec.Containers[0].Resources.Requests[corev1.ResourceCPU]
	assert.False(t, hasCPU)
}

func TestGenerate_InvalidMemory(t *testing.T) {
	op, _ := newOperator(t, cluster.Settings{})
	req := alignRequest()
	req.Resources.Memory = "lots"

	_, err := op.Generate(req, models.GenerateInput{Image: "busybox", Command: "/bin/bash"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, cluster.ErrInvalidRequest))
}

func TestSubmit_CreatesConfigMapAndJob(t *testing.T) {
	op, f := newOperator(t, cluster.Settings{})
	desc := generate(t, op, alignRequest(), models.GenerateInput{Image: "busybox", Command: "/bin/bash"})

	name, err := op.Submit(context.Background(), desc)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, "snakejob-align-reads-7-"))

	ctx := context.Background()
	_, err = f.Core.BatchV1().Jobs("default").Get(ctx, name, metav1.GetOptions{})
	require.NoError(t, err)

	cm, err := f.Core.CoreV1().ConfigMaps("default").Get(ctx, desc.ConfigMap, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Contains(t, cm.Data[cluster.DefinitionKey], "rule all")
}

func TestSubmit_RejectedJobRemovesConfigMap(t *testing.T) {
	op, f := newOperator(t, cluster.Settings{})
	f.Core.PrependReactor("create", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("admission webhook denied the request")
	})
	desc := generate(t, op, alignRequest(), models.GenerateInput{Image: "busybox", Command: "/bin/bash"})

	_, err := op.Submit(context.Background(), desc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cluster.ErrSubmitRejected))

	cms, err := f.Core.CoreV1().ConfigMaps("default").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, cms.Items)
}

func TestCleanup_EarlierAttemptKeepsRetryConfigMap(t *testing.T) {
	op, f := newOperator(t, cluster.Settings{})
	ctx := context.Background()

	submit := func(runID string) *models.SubmittedJob {
		desc := generate(t, op, alignRequest(), models.GenerateInput{Image: "busybox", Command: "/bin/bash", RunID: runID})
		name, err := op.Submit(ctx, desc)
		require.NoError(t, err)
		return &models.SubmittedJob{ExternalName: name, Descriptor: desc, Operator: op}
	}

	first := submit("1a2b3c4d")
	retry := submit("5e6f7a8b")
	assert.Equal(t, "snakejob-align-reads-7-1a2b3c4d-definition", first.Descriptor.DefinitionConfigMap())
	assert.Equal(t, "snakejob-align-reads-7-5e6f7a8b-definition", retry.Descriptor.DefinitionConfigMap())

	retryJob, err := f.Core.BatchV1().Jobs("default").Get(ctx, retry.ExternalName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, retry.Descriptor.DefinitionConfigMap(),
		retryJob.Spec.Template.Spec.Volumes[0].ConfigMap.Name)

	require.NoError(t, first.Cleanup(ctx))

	_, err = f.Core.CoreV1().ConfigMaps("default").Get(ctx, first.Descriptor.DefinitionConfigMap(), metav1.GetOptions{})
	assert.Error(t, err)
	_, err = f.Core.CoreV1().ConfigMaps("default").Get(ctx, retry.Descriptor.DefinitionConfigMap(), metav1.GetOptions{})
	assert.NoError(t, err)
	_, err = f.Core.BatchV1().Jobs("default").Get(ctx, retry.ExternalName, metav1.GetOptions{})
	assert.NoError(t, err)
}

func submitted(t *testing.T, op *batchjob.Operator, f *kubetest.Fake) *models.SubmittedJob {
	t.Helper()
	desc := generate(t, op, alignRequest(), models.GenerateInput{Image: "busybox", Command: "/bin/bash"})
	name, err := op.Submit(context.Background(), desc)
	require.NoError(t, err)

	for i, phase := range []string{"a", "b"} {
		_, err := f.Core.CoreV1().Pods("default").Create(context.Background(), &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:   name + "-" + phase,
				Labels: map[string]string{cluster.JobNameLabel: name},
			},
		}, metav1.CreateOptions{})
		require.NoError(t, err, "pod %d", i)
	}

	return &models.SubmittedJob{
		Request:      alignRequest(),
		ExternalName: name,
		Descriptor:   desc,
		Operator:     op,
		Logfile:      filepath.Join(t.TempDir(), "logs", desc.Prefix()+".log"),
	}
}

func setJobStatus(t *testing.T, f *kubetest.Fake, name string, status batchv1.JobStatus) {
	t.Helper()
	ctx := context.Background()
	job, err := f.Core.BatchV1().Jobs("default").Get(ctx, name, metav1.GetOptions{})
	require.NoError(t, err)
	job.Status = status
	_, err = f.Core.BatchV1().Jobs("default").UpdateStatus(ctx, job, metav1.UpdateOptions{})
	require.NoError(t, err)
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name   string
		status batchv1.JobStatus
		want   models.JobStatus
	}{
		{name: "no pods yet", status: batchv1.JobStatus{}, want: models.StatusUnknown},
		{name: "active", status: batchv1.JobStatus{Active: 1}, want: models.StatusActive},
		{name: "ready", status: batchv1.JobStatus{Ready: ptr(int32(1))}, want: models.StatusReady},
		{name: "succeeded", status: batchv1.JobStatus{Succeeded: 1}, want: models.StatusSucceeded},
		{name: "failed wins", status: batchv1.JobStatus{Failed: 1, Succeeded: 1}, want: models.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, f := newOperator(t, cluster.Settings{})
			job := submitted(t, op, f)
			setJobStatus(t, f, job.ExternalName, tt.status)

			obs := op.Status(context.Background(), job)
			assert.Equal(t, tt.want, obs.Status)
			assert.Equal(t, int32(1), obs.Completions)
			assert.NoError(t, obs.LookupErr)
		})
	}
}

func TestStatus_MissingJobIsPending(t *testing.T) {
	op, f := newOperator(t, cluster.Settings{})
	job := submitted(t, op, f)
	job.ExternalName = "does-not-exist"

	obs := op.Status(context.Background(), job)
	assert.Equal(t, models.StatusPending, obs.Status)
	assert.Error(t, obs.LookupErr)
}

func TestWriteLog(t *testing.T) {
	op, f := newOperator(t, cluster.Settings{})
	job := submitted(t, op, f)

	require.NoError(t, op.WriteLog(context.Background(), job))

	data, err := os.ReadFile(job.Logfile)
	require.NoError(t, err)
	lines := strings.Split(string(data), "\n")
	assert.Equal(t, "==== Job "+job.ExternalName, lines[0])
	assert.Contains(t, string(data), "==== Pod "+job.ExternalName+"-a")
	assert.Contains(t, string(data), "==== Pod "+job.ExternalName+"-b")
}

func TestCleanup_IsIdempotent(t *testing.T) {
	op, f := newOperator(t, cluster.Settings{})
	job := submitted(t, op, f)
	ctx := context.Background()

	require.NoError(t, op.Cleanup(ctx, job))
	require.NoError(t, op.Cleanup(ctx, job))

	jobs, err := f.Core.BatchV1().Jobs("default").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, jobs.Items)

	pods, err := f.Core.CoreV1().Pods("default").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, pods.Items)

	cms, err := f.Core.CoreV1().ConfigMaps("default").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, cms.Items)
}
