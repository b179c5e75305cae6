// Package kube builds the one cluster client handle the process uses.
package kube

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Client bundles the typed clientset, the dynamic client used for custom
// resources, and the REST config the port-forward tunnel dials with.
// Build it once with NewClient and pass it to every component.
type Client struct {
	Core      kubernetes.Interface
	Dynamic   dynamic.Interface
	Config    *rest.Config
	Namespace string
}

// NewClient loads kubeconfigPath if present, then $KUBECONFIG, then
// ~/.kube/config, and falls back to the in-cluster config.
func NewClient(kubeconfigPath, namespace string) (*Client, error) {
	cfg, err := restConfig(kubeconfigPath)
	if err != nil {
		return nil, err
	}

	core, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create dynamic client: %w", err)
	}

	if namespace == "" {
		namespace = "default"
	}
	return &Client{Core: core, Dynamic: dyn, Config: cfg, Namespace: namespace}, nil
}

// Ping asks the API server for its version.
func (c *Client) Ping(_ context.Context) error {
	if _, err := c.Core.Discovery().ServerVersion(); err != nil {
		return fmt.Errorf("kube api unreachable: %w", err)
	}
	return nil
}

func restConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath == "" {
		if env := os.Getenv("KUBECONFIG"); env != "" {
			kubeconfigPath = env
		} else {
			home, _ := os.UserHomeDir()
			kubeconfigPath = filepath.Join(home, ".kube", "config")
		}
	}

	abs, _ := filepath.Abs(kubeconfigPath)
	if _, err := os.Stat(abs); err == nil {
		cfg, err := clientcmd.BuildConfigFromFlags("", abs)
		if err != nil {
			return nil, fmt.Errorf("build config from kubeconfig: %w", err)
		}
		return cfg, nil
	}

	// fallback to in-cluster
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("in-cluster config failed: %w", err)
	}
	return cfg, nil
}
