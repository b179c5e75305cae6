// Package artifact moves working-directory snapshots between the host, step
// containers and the in-cluster ORAS registry.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/kiranshivaraju/kueuexec/internal/tunnel"
	"github.com/kiranshivaraju/kueuexec/pkg/models"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/file"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
)

var ErrRegistry = errors.New("registry operation failed")

// ArtifactType marks manifests pushed by the exchange.
const ArtifactType = "application/vnd.kueuexec.workdir.v1"

// Exchange pushes and pulls one directory. Every call opens its own tunnel
// to the registry pod and closes it before returning.
type Exchange struct {
	forwarder tunnel.Forwarder
	workdir   string
	client    *http.Client
}

func NewExchange(f tunnel.Forwarder, workdir string, timeout time.Duration) (*Exchange, error) {
	abs, err := filepath.Abs(workdir)
	if err != nil {
		return nil, fmt.Errorf("resolve workdir: %w", err)
	}
	return &Exchange{
		forwarder: f,
		workdir:   abs,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

func (e *Exchange) Workdir() string { return e.workdir }

// Push uploads the working directory as ref.
func (e *Exchange) Push(ctx context.Context, ref models.ArtifactRef) error {
	return e.withTunnel(ctx, ref, func(repo *remote.Repository) error {
		fs, err := file.New(e.workdir)
		if err != nil {
			return err
		}
		defer fs.Close()

		layer, err := fs.Add(ctx, ".", "", e.workdir)
		if err != nil {
			return fmt.Errorf("add workdir: %w", err)
		}

		manifest, err := oras.PackManifest(ctx, fs, oras.PackManifestVersion1_1, ArtifactType, oras.PackManifestOptions{
			Layers: []ocispec.Descriptor{layer},
		})
		if err != nil {
			return fmt.Errorf("pack manifest: %w", err)
		}
		if err := fs.Tag(ctx, manifest, ref.Tag); err != nil {
			return fmt.Errorf("tag manifest: %w", err)
		}

		_, err = oras.Copy(ctx, fs, ref.Tag, repo, ref.Tag, oras.DefaultCopyOptions)
		return err
	})
}

// Pull downloads ref and unpacks it into the working directory, overwriting
// files that already exist.
func (e *Exchange) Pull(ctx context.Context, ref models.ArtifactRef) error {
	if err := os.MkdirAll(e.workdir, 0o755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}
	return e.withTunnel(ctx, ref, func(repo *remote.Repository) error {
		fs, err := file.New(e.workdir)
		if err != nil {
			return err
		}
		defer fs.Close()

		_, err = oras.Copy(ctx, repo, ref.Tag, fs, ref.Tag, oras.DefaultCopyOptions)
		return err
	})
}

func (e *Exchange) withTunnel(ctx context.Context, ref models.ArtifactRef, fn func(*remote.Repository) error) error {
	t, err := e.forwarder.Open(ctx, ref.Namespace, ref.Pod, ref.Port)
	if err != nil {
		return err
	}
	defer t.Close()

	host := fmt.Sprintf("localhost:%d", t.LocalPort())
	repo, err := remote.NewRepository(host + "/" + ref.Repository)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRegistry, ref, err)
	}
	repo.PlainHTTP = ref.PlainHTTP
	repo.Client = &auth.Client{Client: e.client, Cache: auth.NewCache()}

	start := time.Now()
	if err := fn(repo); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRegistry, ref, err)
	}

	slog.Info("artifact transferred",
		"ref", ref.String(),
		"local_port", t.LocalPort(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
