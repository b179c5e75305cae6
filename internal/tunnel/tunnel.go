// Package tunnel opens short-lived port-forwards to pods.
package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/kiranshivaraju/kueuexec/internal/kube"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"
)

var ErrTunnel = errors.New("tunnel failed")

// Tunnel is an open forward from a local port to a pod port.
type Tunnel interface {
	LocalPort() int
	Close()
}

// Forwarder opens tunnels. Callers must Close every tunnel they open.
type Forwarder interface {
	Open(ctx context.Context, namespace, pod string, port int) (Tunnel, error)
}

// PortForwarder implements Forwarder with the pods/portforward subresource.
type PortForwarder struct {
	kube *kube.Client
}

func NewPortForwarder(k *kube.Client) *PortForwarder {
	return &PortForwarder{kube: k}
}

type portForward struct {
	local int
	stop  chan struct{}
	once  sync.Once
	done  chan error
}

func (t *portForward) LocalPort() int { return t.local }

// Close stops forwarding and waits for the forwarder goroutine to exit.
func (t *portForward) Close() {
	t.once.Do(func() {
		close(t.stop)
		<-t.done
	})
}

// Open forwards an ephemeral local port on 127.0.0.1 to port on the pod and
// returns once the forward is ready.
func (f *PortForwarder) Open(ctx context.Context, namespace, pod string, port int) (Tunnel, error) {
	transport, upgrader, err := spdy.RoundTripperFor(f.kube.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: build transport: %v", ErrTunnel, err)
	}

	url := f.kube.Core.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(namespace).
		Name(pod).
		SubResource("portforward").
		URL()
	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, url)

	stop := make(chan struct{})
	ready := make(chan struct{})
	var errOut bytes.Buffer

	pf, err := portforward.NewOnAddresses(dialer, []string{"127.0.0.1"},
		[]string{fmt.Sprintf("0:%d", port)}, stop, ready, io.Discard, &errOut)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTunnel, err)
	}

	t := &portForward{stop: stop, done: make(chan error, 1)}
	go func() {
		t.done <- pf.ForwardPorts()
		close(t.done)
	}()

	select {
	case <-ready:
	case err := <-t.done:
		return nil, fmt.Errorf("%w: %s/%s:%d: %v %s", ErrTunnel, namespace, pod, port, err, errOut.String())
	case <-ctx.Done():
		t.Close()
		return nil, fmt.Errorf("%w: %v", ErrTunnel, ctx.Err())
	}

	ports, err := pf.GetPorts()
	if err != nil || len(ports) == 0 {
		t.Close()
		return nil, fmt.Errorf("%w: no local port assigned", ErrTunnel)
	}
	t.local = int(ports[0].Local)

	slog.Debug("tunnel opened",
		"namespace", namespace,
		"pod", pod,
		"remote_port", port,
		"local_port", t.local,
	)
	return t, nil
}

var _ Forwarder = (*PortForwarder)(nil)
