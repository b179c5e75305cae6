// Package cluster holds the Kubernetes plumbing shared by every operator:
// naming, the workflow-definition ConfigMap, status observation, pod logs
// and cleanup.
package cluster

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/kueuexec/internal/kube"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

const (
	// QueueLabel routes a workload to a Kueue LocalQueue.
	QueueLabel = "kueue.x-k8s.io/queue-name"
	// JobNameLabel is set by the Job controller on every pod it creates.
	JobNameLabel = "job-name"

	DefaultMemory = "200Mi"

	DefinitionKey       = "definition"
	DefinitionMountPath = "/workflow_definition"

	maxNameLen = 52
)

// Settings are the executor-wide values every operator needs.
type Settings struct {
	Namespace        string
	QueueName        string
	JobPrefix        string
	ContainerWorkdir string
	// DefinitionFile is the file name the definition is mounted as.
	DefinitionFile string
	Completions    int32
	Suspend        bool
	FluxViewImage  string
	PullAlways     bool
	Interactive    bool
}

// Helper talks to the cluster on behalf of an operator. It holds the
// workflow definition text that goes into each job's ConfigMap.
type Helper struct {
	kube       *kube.Client
	settings   Settings
	definition string
}

func NewHelper(k *kube.Client, s Settings, definition string) *Helper {
	if s.Namespace == "" {
		s.Namespace = k.Namespace
	}
	if s.DefinitionFile == "" {
		s.DefinitionFile = "Snakefile"
	}
	return &Helper{kube: k, settings: s, definition: definition}
}

func (h *Helper) Settings() Settings { return h.settings }

func (h *Helper) Namespace() string { return h.settings.Namespace }

// Queue returns the queue a request targets, defaulting to the executor queue.
func (h *Helper) Queue(requested string) string {
	if requested != "" {
		return requested
	}
	return h.settings.QueueName
}

// DefinitionPath is where the workflow definition appears inside containers.
func (h *Helper) DefinitionPath() string {
	return DefinitionMountPath + "/" + h.settings.DefinitionFile
}

// StepPrefix derives "<jobPrefix>-<name>-<id>" with underscores replaced by
// dashes and everything else cluster names reject removed.
func StepPrefix(jobPrefix, name string, id int) string {
	raw := fmt.Sprintf("%s-%s-%d", jobPrefix, name, id)
	return sanitizeName(raw)
}

// ConfigMapName is the ConfigMap holding the workflow definition for one
// submission of prefix. Retries of a step carry a different runID, so the
// cleanup of an earlier attempt never removes a later attempt's ConfigMap.
func ConfigMapName(prefix, runID string) string {
	if runID == "" {
		return prefix + "-definition"
	}
	return prefix + "-" + sanitizeName(runID) + "-definition"
}

func sanitizeName(s string) string {
	s = strings.ToLower(strings.ReplaceAll(s, "_", "-"))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == '.':
			b.WriteRune('-')
		}
	}
	out := b.String()
	if len(out) > maxNameLen {
		out = out[:maxNameLen]
	}
	return strings.Trim(out, "-")
}

// Resources builds requests (and, when withLimits is set, identical limits)
// from the step hints. Cores of zero leaves cpu unset.
func Resources(cores int, memory string, withLimits bool) (corev1.ResourceRequirements, error) {
	if memory == "" {
		memory = DefaultMemory
	}
	mem, err := resource.ParseQuantity(memory)
	if err != nil {
		return corev1.ResourceRequirements{}, fmt.Errorf("%w: memory %q: %v", ErrInvalidRequest, memory, err)
	}

	list := corev1.ResourceList{corev1.ResourceMemory: mem}
	if cores > 0 {
		list[corev1.ResourceCPU] = resource.MustParse(strconv.Itoa(cores))
	}

	req := corev1.ResourceRequirements{Requests: list}
	if withLimits {
		req.Limits = list.DeepCopy()
	}
	return req, nil
}

// EnvVars converts an environment map into container env entries, sorted by
// name so generated descriptors are stable.
func EnvVars(env map[string]string) []corev1.EnvVar {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		out = append(out, corev1.EnvVar{Name: k, Value: env[k]})
	}
	return out
}

// Nodes returns the requested node count, at least 1.
func Nodes(n int) int32 {
	if n <= 0 {
		return 1
	}
	return int32(n)
}
