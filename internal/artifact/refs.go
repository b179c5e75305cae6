package artifact

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/kueuexec/internal/config"
	"github.com/kiranshivaraju/kueuexec/pkg/models"
)

const latestTag = "latest"

// Namer derives artifact references for steps. References are a pure
// function of the step identity, so a retried step overwrites its own
// earlier artifact.
type Namer struct {
	cfg       config.ArtifactConfig
	namespace string
}

func NewNamer(cfg config.ArtifactConfig, namespace string) *Namer {
	return &Namer{cfg: cfg, namespace: namespace}
}

// StepRef is the artifact a step pushes. With the name scheme every run of a
// step shares one tag; with name-id the step id becomes the tag.
func (n *Namer) StepRef(name string, id int) models.ArtifactRef {
	tag := latestTag
	if n.cfg.TagScheme == config.TagSchemeNameID {
		tag = strconv.Itoa(id)
	}
	return n.ref(Normalize(name), tag)
}

// DependencyRef is the artifact of an upstream step known only by name. It
// resolves to the step's shared tag.
func (n *Namer) DependencyRef(name string) models.ArtifactRef {
	return n.ref(Normalize(name), latestTag)
}

// WorkflowRef holds the working directory uploaded at startup.
func (n *Namer) WorkflowRef() models.ArtifactRef {
	return n.ref("workflow", latestTag)
}

// ParseRef rebuilds a reference from its "<repository>:<tag>" form.
func (n *Namer) ParseRef(s string) (models.ArtifactRef, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 || strings.Contains(s[i:], "/") {
		return models.ArtifactRef{}, fmt.Errorf("invalid artifact reference %q", s)
	}
	ref := n.ref("", s[i+1:])
	ref.Repository = s[:i]
	return ref, nil
}

func (n *Namer) ref(name, tag string) models.ArtifactRef {
	repo := name
	if n.cfg.RepositoryPrefix != "" {
		repo = n.cfg.RepositoryPrefix + "/" + name
	}
	return models.ArtifactRef{
		Repository: repo,
		Tag:        tag,
		Namespace:  n.namespace,
		Pod:        n.cfg.CacheName + "-0",
		Port:       n.cfg.ServicePort,
		PlainHTTP:  n.cfg.PlainHTTP,
	}
}

// Normalize lowercases s and replaces characters registries reject in
// repository names with dashes.
func Normalize(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-.")
}
