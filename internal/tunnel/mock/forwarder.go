package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kiranshivaraju/kueuexec/internal/tunnel"
)

// Forwarder hands out tunnels to a fixed local port, typically an
// httptest server standing in for the registry.
type Forwarder struct {
	Port    int
	OpenErr error

	mu      sync.Mutex
	tunnels []*Tunnel
}

func (f *Forwarder) Open(_ context.Context, namespace, pod string, port int) (tunnel.Tunnel, error) {
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	t := &Tunnel{Namespace: namespace, Pod: pod, RemotePort: port, local: f.Port}
	f.mu.Lock()
	f.tunnels = append(f.tunnels, t)
	f.mu.Unlock()
	return t, nil
}

// Tunnels returns every tunnel opened so far.
func (f *Forwarder) Tunnels() []*Tunnel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Tunnel(nil), f.tunnels...)
}

// AllClosed reports whether every opened tunnel was closed.
func (f *Forwarder) AllClosed() bool {
	for _, t := range f.Tunnels() {
		if !t.Closed() {
			return false
		}
	}
	return true
}

type Tunnel struct {
	Namespace  string
	Pod        string
	RemotePort int

	local  int
	closed atomic.Bool
}

func (t *Tunnel) LocalPort() int { return t.local }
func (t *Tunnel) Close()         { t.closed.Store(true) }
func (t *Tunnel) Closed() bool   { return t.closed.Load() }

var _ tunnel.Forwarder = (*Forwarder)(nil)
