// Package kubetest builds kube.Client handles backed by client-go fakes.
package kubetest

import (
	"fmt"
	"sync/atomic"

	"github.com/kiranshivaraju/kueuexec/internal/kube"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

var (
	MiniClusters = schema.GroupVersionResource{Group: "flux-framework.org", Version: "v1alpha2", Resource: "miniclusters"}
	MPIJobs      = schema.GroupVersionResource{Group: "kubeflow.org", Version: "v2beta1", Resource: "mpijobs"}
)

// Fake bundles the fake clients behind a kube.Client.
type Fake struct {
	Client  *kube.Client
	Core    *fake.Clientset
	Dynamic *dynamicfake.FakeDynamicClient
}

// New returns a Fake in namespace. Creates that only carry generateName get
// a deterministic name the way the API server would assign one.
func New(namespace string, objects ...runtime.Object) *Fake {
	core := fake.NewSimpleClientset(objects...)
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(), map[schema.GroupVersionResource]string{
		MiniClusters: "MiniClusterList",
		MPIJobs:      "MPIJobList",
	})

	var seq atomic.Int64
	core.PrependReactor("create", "*", generateName(&seq))
	dyn.PrependReactor("create", "*", generateName(&seq))

	return &Fake{
		Client:  &kube.Client{Core: core, Dynamic: dyn, Namespace: namespace},
		Core:    core,
		Dynamic: dyn,
	}
}

func generateName(seq *atomic.Int64) k8stesting.ReactionFunc {
	return func(action k8stesting.Action) (bool, runtime.Object, error) {
		create, ok := action.(k8stesting.CreateAction)
		if !ok {
			return false, nil, nil
		}
		obj, err := meta.Accessor(create.GetObject())
		if err != nil {
			return false, nil, nil
		}
		if obj.GetName() == "" && obj.GetGenerateName() != "" {
			obj.SetName(fmt.Sprintf("%s%05d", obj.GetGenerateName(), seq.Add(1)))
		}
		return false, nil, nil
	}
}
