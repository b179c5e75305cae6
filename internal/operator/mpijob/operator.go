// Package mpijob runs steps as Kubeflow MPIJobs: one launcher running the
// step command and a set of sshd workers.
package mpijob

import (
	"context"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/kueuexec/internal/operator/cluster"
	"github.com/kiranshivaraju/kueuexec/pkg/models"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

var GVR = schema.GroupVersionResource{
	Group:    "kubeflow.org",
	Version:  "v2beta1",
	Resource: "mpijobs",
}

const (
	LauncherContainer = "mpi-launcher"
	WorkerContainer   = "mpi-worker"

	runAsUser = int64(1000)
	waitSSHD  = `while ! bash -c "</dev/tcp/localhost/22" >/dev/null 2>&1; do sleep 0.1; done`
)

type Operator struct {
	cluster *cluster.Helper
}

func New(h *cluster.Helper) *Operator {
	return &Operator{cluster: h}
}

func (o *Operator) Kind() string { return models.OperatorMPIJob }

// LauncherJob is the batch Job the MPI Operator creates for the launcher.
func LauncherJob(name string) string {
	return name + "-launcher"
}

func (o *Operator) Generate(req models.JobRequest, in models.GenerateInput) (models.Descriptor, error) {
	settings := o.cluster.Settings()
	prefix := cluster.StepPrefix(settings.JobPrefix, req.Name, req.ID)
	configMap := cluster.ConfigMapName(prefix, in.RunID)

	resources, err := cluster.Resources(req.Resources.Cores, req.Resources.Memory, true)
	if err != nil {
		return nil, err
	}

	pullPolicy := corev1.PullIfNotPresent
	if settings.PullAlways {
		pullPolicy = corev1.PullAlways
	}
	user := runAsUser
	env := cluster.EnvVars(in.Environment)
	defVolume, defMount := o.cluster.DefinitionVolume(configMap)

	line := strings.TrimSpace(in.Command + " " + shellJoin(in.Args))
	launcher := corev1.Container{
		Name:            LauncherContainer,
		Image:           in.Image,
		Command:         []string{"bash", "-cx", ". /etc/profile && " + line},
		Env:             env,
		ImagePullPolicy: pullPolicy,
		SecurityContext: &corev1.SecurityContext{RunAsUser: &user},
		WorkingDir:      settings.ContainerWorkdir,
		Resources:       resources,
		VolumeMounts:    []corev1.VolumeMount{defMount},
	}

	worker := corev1.Container{
		Name:            WorkerContainer,
		Image:           in.Image,
		Command:         []string{"/usr/sbin/sshd"},
		Args:            []string{"-De"},
		Env:             env,
		ImagePullPolicy: pullPolicy,
		SecurityContext: &corev1.SecurityContext{RunAsUser: &user},
		WorkingDir:      settings.ContainerWorkdir,
		Resources:       resources,
		VolumeMounts:    []corev1.VolumeMount{defMount},
		Lifecycle: &corev1.Lifecycle{
			PostStart: &corev1.LifecycleHandler{
				Exec: &corev1.ExecAction{Command: []string{"bash", "-c", waitSSHD}},
			},
		},
	}

	workers := cluster.Nodes(req.Resources.Nodes)
	launcherSpec, err := replicaSpec(1, launcher, defVolume)
	if err != nil {
		return nil, err
	}
	workerSpec, err := replicaSpec(workers, worker, defVolume)
	if err != nil {
		return nil, err
	}

	runPolicy := map[string]any{
		"cleanPodPolicy":          "Running",
		"ttlSecondsAfterFinished": int64(60),
	}
	if in.Deadline != nil {
		runPolicy["activeDeadlineSeconds"] = *in.Deadline
	}

	queue := o.cluster.Queue(req.Resources.Queue)
	obj := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": GVR.GroupVersion().String(),
		"kind":       "MPIJob",
		"metadata": map[string]any{
			"generateName": prefix + "-",
			"namespace":    o.cluster.Namespace(),
			"labels":       map[string]any{cluster.QueueLabel: queue},
		},
		"spec": map[string]any{
			"slotsPerWorker":   int64(1),
			"sshAuthMountPath": "/root/.ssh",
			"runPolicy":        runPolicy,
			"mpiReplicaSpecs": map[string]any{
				"Launcher": launcherSpec,
				"Worker":   workerSpec,
			},
		},
	}}

	return &models.MPIJobDescriptor{Resource: obj, ConfigMap: configMap, Workers: workers}, nil
}

func replicaSpec(replicas int32, c corev1.Container, vol corev1.Volume) (map[string]any, error) {
	pod := corev1.PodSpec{
		Containers: []corev1.Container{c},
		Volumes:    []corev1.Volume{vol},
	}
	spec, err := runtime.DefaultUnstructuredConverter.ToUnstructured(&pod)
	if err != nil {
		return nil, fmt.Errorf("convert pod spec: %w", err)
	}
	return map[string]any{
		"replicas": int64(replicas),
		"template": map[string]any{"spec": spec},
	}, nil
}

// shellJoin quotes args that contain whitespace or quotes for bash -c.
func shellJoin(args []string) string {
	quoted := make([]string, 0, len(args))
	for _, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\n'\"$&|;") {
			a = "'" + strings.ReplaceAll(a, "'", `'"'"'`) + "'"
		}
		quoted = append(quoted, a)
	}
	return strings.Join(quoted, " ")
}

func (o *Operator) Submit(ctx context.Context, d models.Descriptor) (string, error) {
	desc, ok := d.(*models.MPIJobDescriptor)
	if !ok {
		return "", fmt.Errorf("%w: mpijob operator cannot submit %s", cluster.ErrInvalidRequest, d.Kind())
	}

	if err := o.cluster.CreateDefinition(ctx, desc.ConfigMap); err != nil {
		return "", err
	}
	name, err := o.cluster.CreateCustom(ctx, GVR, desc.Resource)
	if err != nil {
		_ = o.cluster.DeleteDefinition(ctx, desc.ConfigMap)
		return "", err
	}
	return name, nil
}

func (o *Operator) Status(ctx context.Context, job *models.SubmittedJob) models.Observation {
	return o.cluster.ObserveJob(ctx, LauncherJob(job.ExternalName), job.Descriptor.ExpectedCompletions())
}

func (o *Operator) Cleanup(ctx context.Context, job *models.SubmittedJob) error {
	if err := o.cluster.DeleteCustom(ctx, GVR, job.ExternalName); err != nil {
		return err
	}
	if err := o.cluster.DeletePods(ctx, LauncherJob(job.ExternalName)); err != nil {
		return err
	}
	return o.cluster.DeleteDefinition(ctx, job.Descriptor.DefinitionConfigMap())
}

func (o *Operator) WriteLog(ctx context.Context, job *models.SubmittedJob) error {
	return o.cluster.WritePodLogs(ctx, LauncherJob(job.ExternalName), LauncherContainer, job.Logfile)
}

var _ models.Operator = (*Operator)(nil)
