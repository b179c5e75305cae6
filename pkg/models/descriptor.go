package models

import (
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Operator keys accepted in Resources.Operator.
const (
	OperatorBatchJob    = "job"
	OperatorMiniCluster = "flux-operator"
	OperatorMPIJob      = "mpi-operator"
)

// Descriptor is the cluster-native form of a JobRequest. The set of
// implementations is closed: BatchJobDescriptor, MiniClusterDescriptor
// and MPIJobDescriptor.
type Descriptor interface {
	Kind() string
	// Prefix is the generateName prefix derived from the step name and id.
	Prefix() string
	// DefinitionConfigMap names the ConfigMap carrying the workflow definition.
	DefinitionConfigMap() string
	// ExpectedCompletions is the succeeded count that marks the job done.
	ExpectedCompletions() int32
	// Object returns the descriptor as it is sent to the API server.
	Object() any

	sealed()
}

type BatchJobDescriptor struct {
	Job       *batchv1.Job
	ConfigMap string
}

func (d *BatchJobDescriptor) Kind() string                { return OperatorBatchJob }
func (d *BatchJobDescriptor) DefinitionConfigMap() string { return d.ConfigMap }
func (d *BatchJobDescriptor) Object() any                 { return d.Job }
func (d *BatchJobDescriptor) sealed()                     {}

func (d *BatchJobDescriptor) Prefix() string {
	return strings.TrimSuffix(d.Job.GenerateName, "-")
}

func (d *BatchJobDescriptor) ExpectedCompletions() int32 {
	if d.Job.Spec.Completions == nil {
		return 1
	}
	return *d.Job.Spec.Completions
}

// MiniClusterDescriptor is a Flux Operator MiniCluster. PreScript runs before
// the launch line so the container can source the Flux environment first.
type MiniClusterDescriptor struct {
	Resource      *unstructured.Unstructured
	ConfigMap     string
	PreScript     string
	LaunchCommand string
	Size          int32
}

func (d *MiniClusterDescriptor) Prefix() string {
	return strings.TrimSuffix(d.Resource.GetGenerateName(), "-")
}

func (d *MiniClusterDescriptor) Kind() string                { return OperatorMiniCluster }
func (d *MiniClusterDescriptor) DefinitionConfigMap() string { return d.ConfigMap }
func (d *MiniClusterDescriptor) ExpectedCompletions() int32  { return d.Size }
func (d *MiniClusterDescriptor) Object() any                 { return d.Resource.Object }
func (d *MiniClusterDescriptor) sealed()                     {}

// MPIJobDescriptor is a Kubeflow MPIJob with one launcher and Workers workers.
type MPIJobDescriptor struct {
	Resource  *unstructured.Unstructured
	ConfigMap string
	Workers   int32
}

func (d *MPIJobDescriptor) Prefix() string {
	return strings.TrimSuffix(d.Resource.GetGenerateName(), "-")
}

func (d *MPIJobDescriptor) Kind() string                { return OperatorMPIJob }
func (d *MPIJobDescriptor) DefinitionConfigMap() string { return d.ConfigMap }
func (d *MPIJobDescriptor) ExpectedCompletions() int32  { return 1 }
func (d *MPIJobDescriptor) Object() any                 { return d.Resource.Object }
func (d *MPIJobDescriptor) sealed()                     {}
