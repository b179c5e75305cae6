// Package batchjob runs steps as plain batch/v1 Jobs admitted by Kueue.
package batchjob

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/kueuexec/internal/operator/cluster"
	"github.com/kiranshivaraju/kueuexec/pkg/models"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Operator implements models.Operator for batch Jobs.
type Operator struct {
	cluster *cluster.Helper
}

func New(h *cluster.Helper) *Operator {
	return &Operator{cluster: h}
}

func (o *Operator) Kind() string { return models.OperatorBatchJob }

// Generate builds the Job for req. Nothing is sent to the cluster.
func (o *Operator) Generate(req models.JobRequest, in models.GenerateInput) (models.Descriptor, error) {
	settings := o.cluster.Settings()
	prefix := cluster.StepPrefix(settings.JobPrefix, req.Name, req.ID)
	configMap := cluster.ConfigMapName(prefix, in.RunID)

	resources, err := cluster.Resources(req.Resources.Cores, req.Resources.Memory, false)
	if err != nil {
		return nil, err
	}

	nodes := cluster.Nodes(req.Resources.Nodes)
	completions := nodes
	if settings.Completions > 0 {
		completions = settings.Completions
	}

	defVolume, defMount := o.cluster.DefinitionVolume(configMap)
	workVolume := corev1.Volume{
		Name:         "workdir",
		VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
	}

	pullPolicy := corev1.PullIfNotPresent
	if settings.PullAlways {
		pullPolicy = corev1.PullAlways
	}

	container := corev1.Container{
		Name:            prefix,
		Image:           in.Image,
		ImagePullPolicy: pullPolicy,
		Command:         []string{in.Command},
		Args:            in.Args,
		WorkingDir:      settings.ContainerWorkdir,
		Env:             cluster.EnvVars(in.Environment),
		Resources:       resources,
		VolumeMounts: []corev1.VolumeMount{
			defMount,
			{Name: workVolume.Name, MountPath: settings.ContainerWorkdir},
		},
	}

	suspend := settings.Suspend
	job := &batchv1.Job{
		TypeMeta: metav1.TypeMeta{APIVersion: "batch/v1", Kind: "Job"},
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: prefix + "-",
			Namespace:    o.cluster.Namespace(),
			Labels: map[string]string{
				cluster.QueueLabel: o.cluster.Queue(req.Resources.Queue),
			},
		},
		Spec: batchv1.JobSpec{
			Parallelism:           &nodes,
			Completions:           &completions,
			Suspend:               &suspend,
			ActiveDeadlineSeconds: in.Deadline,
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers:    []corev1.Container{container},
					RestartPolicy: corev1.RestartPolicyNever,
					Volumes:       []corev1.Volume{defVolume, workVolume},
				},
			},
		},
	}

	return &models.BatchJobDescriptor{Job: job, ConfigMap: configMap}, nil
}

// Submit creates the definition ConfigMap and then the Job. If the Job is
// rejected the ConfigMap is removed again.
func (o *Operator) Submit(ctx context.Context, d models.Descriptor) (string, error) {
	desc, ok := d.(*models.BatchJobDescriptor)
	if !ok {
		return "", fmt.Errorf("%w: batch job operator cannot submit %s", cluster.ErrInvalidRequest, d.Kind())
	}

	if err := o.cluster.CreateDefinition(ctx, desc.ConfigMap); err != nil {
		return "", err
	}

	created, err := o.cluster.CreateJob(ctx, desc.Job)
	if err != nil {
		_ = o.cluster.DeleteDefinition(ctx, desc.ConfigMap)
		return "", err
	}
	return created, nil
}

func (o *Operator) Status(ctx context.Context, job *models.SubmittedJob) models.Observation {
	return o.cluster.ObserveJob(ctx, job.ExternalName, job.Descriptor.ExpectedCompletions())
}

// Cleanup removes the Job, its pods and the definition ConfigMap.
func (o *Operator) Cleanup(ctx context.Context, job *models.SubmittedJob) error {
	if err := o.cluster.DeleteJob(ctx, job.ExternalName); err != nil {
		return err
	}
	return o.cluster.DeleteDefinition(ctx, job.Descriptor.DefinitionConfigMap())
}

func (o *Operator) WriteLog(ctx context.Context, job *models.SubmittedJob) error {
	return o.cluster.WritePodLogs(ctx, job.ExternalName, job.Descriptor.Prefix(), job.Logfile)
}

var _ models.Operator = (*Operator)(nil)
