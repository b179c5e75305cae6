// Package minicluster runs steps inside a Flux Operator MiniCluster.
package minicluster

import (
	"context"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/kueuexec/internal/operator/cluster"
	"github.com/kiranshivaraju/kueuexec/pkg/models"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

var GVR = schema.GroupVersionResource{
	Group:    "flux-framework.org",
	Version:  "v1alpha2",
	Resource: "miniclusters",
}

const (
	// ScriptPath is where the launch command is written inside the container.
	ScriptPath = "/tmp/run-job.sh"

	fluxView = ". /mnt/flux/flux-view.sh"
	fluxURI  = "export FLUX_URI=$fluxsocket"
)

type Operator struct {
	cluster *cluster.Helper
}

func New(h *cluster.Helper) *Operator {
	return &Operator{cluster: h}
}

func (o *Operator) Kind() string { return models.OperatorMiniCluster }

// Generate builds the MiniCluster. in.Args must be ["-c", "<line>"]; the
// line is split on "&&" into setup commands and the final launch command.
func (o *Operator) Generate(req models.JobRequest, in models.GenerateInput) (models.Descriptor, error) {
	if len(in.Args) < 2 {
		return nil, fmt.Errorf("%w: minicluster needs a shell line in args[1]", cluster.ErrInvalidRequest)
	}
	setup, launch := SplitCommand(in.Args[1])
	if launch == "" {
		return nil, fmt.Errorf("%w: empty command", cluster.ErrInvalidRequest)
	}

	settings := o.cluster.Settings()
	prefix := cluster.StepPrefix(settings.JobPrefix, req.Name, req.ID)
	configMap := cluster.ConfigMapName(prefix, in.RunID)

	resources, err := cluster.Resources(req.Resources.Cores, req.Resources.Memory, true)
	if err != nil {
		return nil, err
	}
	quantities := map[string]any{}
	for name, q := range resources.Requests {
		quantities[string(name)] = q.String()
	}

	pre := PreScript(setup, launch)
	size := cluster.Nodes(req.Resources.Nodes)
	tasks := req.Resources.Tasks
	if tasks <= 0 {
		tasks = 1
	}

	environment := map[string]any{}
	for k, v := range in.Environment {
		environment[k] = v
	}

	container := map[string]any{
		"name":        prefix,
		"image":       in.Image,
		"command":     in.Command + " " + ScriptPath,
		"pullAlways":  settings.PullAlways,
		"workingDir":  settings.ContainerWorkdir,
		"launcher":    true,
		"environment": environment,
		"commands":    map[string]any{"pre": pre},
		"volumes": map[string]any{
			configMap: map[string]any{
				"path":          cluster.DefinitionMountPath,
				"configMapName": configMap,
				"items":         map[string]any{cluster.DefinitionKey: settings.DefinitionFile},
			},
		},
		"resources": map[string]any{
			"limits":   quantities,
			"requests": copyMap(quantities),
		},
	}

	spec := map[string]any{
		"size":        int64(size),
		"tasks":       int64(tasks),
		"interactive": settings.Interactive,
		"jobLabels":   map[string]any{cluster.QueueLabel: o.cluster.Queue(req.Resources.Queue)},
		"flux":        map[string]any{"container": map[string]any{"image": settings.FluxViewImage}},
		"logging":     map[string]any{"quiet": false},
		"containers":  []any{container},
	}
	if in.Deadline != nil {
		spec["deadlineSeconds"] = *in.Deadline
	}

	obj := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": GVR.GroupVersion().String(),
		"kind":       "MiniCluster",
		"metadata": map[string]any{
			"generateName": prefix + "-",
			"namespace":    o.cluster.Namespace(),
			"labels":       map[string]any{cluster.QueueLabel: o.cluster.Queue(req.Resources.Queue)},
		},
		"spec": spec,
	}}

	return &models.MiniClusterDescriptor{
		Resource:      obj,
		ConfigMap:     configMap,
		PreScript:     pre,
		LaunchCommand: launch,
		Size:          size,
	}, nil
}

// SplitCommand splits a shell line on "&&". The last non-empty part is the
// launch command; the rest are setup commands run before it.
func SplitCommand(line string) (setup []string, launch string) {
	var parts []string
	for _, p := range strings.Split(line, "&&") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return nil, ""
	}
	return parts[:len(parts)-1], parts[len(parts)-1]
}

// PreScript sources the Flux view, runs setup and writes launch to ScriptPath.
func PreScript(setup []string, launch string) string {
	lines := []string{fluxView, fluxURI}
	lines = append(lines, setup...)
	lines = append(lines,
		"cat <<'KUEUEXEC_EOF' > "+ScriptPath,
		launch,
		"KUEUEXEC_EOF",
		"cat "+ScriptPath,
	)
	return strings.Join(lines, "\n")
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (o *Operator) Submit(ctx context.Context, d models.Descriptor) (string, error) {
	desc, ok := d.(*models.MiniClusterDescriptor)
	if !ok {
		return "", fmt.Errorf("%w: minicluster operator cannot submit %s", cluster.ErrInvalidRequest, d.Kind())
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

// Status reads the batch Job the Flux Operator creates under the
// MiniCluster's own name.
func (o *Operator) Status(ctx context.Context, job *models.SubmittedJob) models.Observation {
	return o.cluster.ObserveJob(ctx, job.ExternalName, job.Descriptor.ExpectedCompletions())
}

func (o *Operator) Cleanup(ctx context.Context, job *models.SubmittedJob) error {
	if err := o.cluster.DeleteCustom(ctx, GVR, job.ExternalName); err != nil {
		return err
	}
	if err := o.cluster.DeletePods(ctx, job.ExternalName); err != nil {
		return err
	}
	return o.cluster.DeleteDefinition(ctx, job.Descriptor.DefinitionConfigMap())
}

func (o *Operator) WriteLog(ctx context.Context, job *models.SubmittedJob) error {
	return o.cluster.WritePodLogs(ctx, job.ExternalName, job.Descriptor.Prefix(), job.Logfile)
}

var _ models.Operator = (*Operator)(nil)
