package cluster

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kiranshivaraju/kueuexec/pkg/models"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// IgnoreNotFound drops "not found" errors so deletes are idempotent.
func IgnoreNotFound(err error) error {
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

// --- Definition ConfigMap ---

// CreateDefinition stores the workflow definition in a ConfigMap named name,
// replacing one left behind by an earlier attempt.
func (h *Helper) CreateDefinition(ctx context.Context, name string) error {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: h.Namespace()},
		Data:       map[string]string{DefinitionKey: h.definition},
	}

	api := h.kube.Core.CoreV1().ConfigMaps(h.Namespace())
	_, err := api.Create(ctx, cm, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = api.Update(ctx, cm, metav1.UpdateOptions{})
	}
	if err != nil {
		return fmt.Errorf("%w: create configmap %s: %v", ErrSubmitRejected, name, err)
	}
	return nil
}

func (h *Helper) DeleteDefinition(ctx context.Context, name string) error {
	err := h.kube.Core.CoreV1().ConfigMaps(h.Namespace()).Delete(ctx, name, metav1.DeleteOptions{})
	if err := IgnoreNotFound(err); err != nil {
		return fmt.Errorf("delete configmap %s: %w", name, err)
	}
	return nil
}

// DefinitionVolume mounts the definition ConfigMap read-only.
func (h *Helper) DefinitionVolume(configMap string) (corev1.Volume, corev1.VolumeMount) {
	vol := corev1.Volume{
		Name: "workflow-definition",
		VolumeSource: corev1.VolumeSource{
			ConfigMap: &corev1.ConfigMapVolumeSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: configMap},
				Items: []corev1.KeyToPath{
					{Key: DefinitionKey, Path: h.settings.DefinitionFile},
				},
			},
		},
	}
	mount := corev1.VolumeMount{
		Name:      vol.Name,
		MountPath: DefinitionMountPath,
		ReadOnly:  true,
	}
	return vol, mount
}

// --- Batch Jobs and pods ---

// ObserveJob reads the batch Job called name and classifies it. The expected
// completions come from the Job spec, falling back to fallback when unset.
func (h *Helper) ObserveJob(ctx context.Context, name string, fallback int32) models.Observation {
	job, err := h.kube.Core.BatchV1().Jobs(h.Namespace()).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return models.Observation{Status: models.StatusPending, Completions: fallback, LookupErr: err}
	}

	counts := models.ReplicaCounts{
		Failed:    job.Status.Failed,
		Active:    job.Status.Active,
		Succeeded: job.Status.Succeeded,
	}
	if job.Status.Ready != nil {
		counts.Ready = *job.Status.Ready
	}

	expected := fallback
	if job.Spec.Completions != nil {
		expected = *job.Spec.Completions
	}

	return models.Observation{
		Status:      models.Classify(counts, expected),
		Counts:      counts,
		Completions: expected,
	}
}

// DeleteJob removes a batch Job and the pods it created.
func (h *Helper) DeleteJob(ctx context.Context, name string) error {
	policy := metav1.DeletePropagationBackground
	err := h.kube.Core.BatchV1().Jobs(h.Namespace()).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err := IgnoreNotFound(err); err != nil {
		return fmt.Errorf("delete job %s: %w", name, err)
	}
	return h.DeletePods(ctx, name)
}

// DeletePods removes every pod labelled with job-name=jobName.
func (h *Helper) DeletePods(ctx context.Context, jobName string) error {
	pods, err := h.listPods(ctx, jobName)
	if err != nil {
		return err
	}
	for _, pod := range pods {
		err := h.kube.Core.CoreV1().Pods(h.Namespace()).Delete(ctx, pod.Name, metav1.DeleteOptions{})
		if err := IgnoreNotFound(err); err != nil {
			return fmt.Errorf("delete pod %s: %w", pod.Name, err)
		}
	}
	return nil
}

func (h *Helper) listPods(ctx context.Context, jobName string) ([]corev1.Pod, error) {
	list, err := h.kube.Core.CoreV1().Pods(h.Namespace()).List(ctx, metav1.ListOptions{
		LabelSelector: JobNameLabel + "=" + jobName,
	})
	if err != nil {
		return nil, fmt.Errorf("list pods for %s: %w", jobName, err)
	}
	return list.Items, nil
}

// WritePodLogs writes a header for jobName followed by the logs of each of
// its pods. Container selects the container; empty means the pod default.
func (h *Helper) WritePodLogs(ctx context.Context, jobName, container, logfile string) error {
	if err := os.MkdirAll(filepath.Dir(logfile), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.Create(logfile)
	if err != nil {
		return fmt.Errorf("create logfile: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "==== Job %s\n", jobName); err != nil {
		return err
	}

	pods, err := h.listPods(ctx, jobName)
	if err != nil {
		return err
	}

	for _, pod := range pods {
		if _, err := fmt.Fprintf(f, "==== Pod %s\n", pod.Name); err != nil {
			return err
		}
		opts := &corev1.PodLogOptions{Container: container}
		stream, err := h.kube.Core.CoreV1().Pods(h.Namespace()).GetLogs(pod.Name, opts).Stream(ctx)
		if err != nil {
			return fmt.Errorf("stream logs for pod %s: %w", pod.Name, err)
		}
		_, err = io.Copy(f, stream)
		stream.Close()
		if err != nil {
			return fmt.Errorf("copy logs for pod %s: %w", pod.Name, err)
		}
		if _, err := fmt.Fprintln(f); err != nil {
			return err
		}
	}

	return f.Sync()
}

// --- Custom resources ---

// CreateCustom creates obj under gvr and returns the name the server assigned.
func (h *Helper) CreateCustom(ctx context.Context, gvr schema.GroupVersionResource, obj *unstructured.Unstructured) (string, error) {
	created, err := h.kube.Dynamic.Resource(gvr).Namespace(h.Namespace()).Create(ctx, obj.DeepCopy(), metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("%w: create %s: %v", ErrSubmitRejected, gvr.Resource, err)
	}
	return created.GetName(), nil
}

func (h *Helper) DeleteCustom(ctx context.Context, gvr schema.GroupVersionResource, name string) error {
	policy := metav1.DeletePropagationBackground
	err := h.kube.Dynamic.Resource(gvr).Namespace(h.Namespace()).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err := IgnoreNotFound(err); err != nil {
		return fmt.Errorf("delete %s %s: %w", gvr.Resource, name, err)
	}
	return nil
}

// CreateJob creates job and returns the name the server assigned.
func (h *Helper) CreateJob(ctx context.Context, job *batchv1.Job) (string, error) {
	created, err := h.kube.Core.BatchV1().Jobs(h.Namespace()).Create(ctx, job.DeepCopy(), metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("%w: create job: %v", ErrSubmitRejected, err)
	}
	return created.Name, nil
}
