package artifact

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/kiranshivaraju/kueuexec/pkg/models"
)

// stagingTemplate wraps a step command so the container fetches its inputs
// from the registry first and publishes its working directory afterwards.
var stagingTemplate = template.Must(template.New("staging").Parse(
	`{{with .OrasVersion}}VERSION={{.}} && ` +
		`curl -LO https://github.com/oras-project/oras/releases/download/v${VERSION}/oras_${VERSION}_linux_amd64.tar.gz && ` +
		`mkdir -p oras-install/ && tar -zxf oras_${VERSION}_*.tar.gz -C oras-install/ && ` +
		`mv oras-install/oras /usr/local/bin/ && rm -rf oras_${VERSION}_*.tar.gz oras-install/ && {{end}}` +
		`{{range .Pulls}}oras pull {{$.Registry}}/{{.}} .{{if $.PlainHTTP}} --plain-http{{end}} && {{end}}` +
		`{{.Command}}` +
		`{{with .Push}} && oras push {{$.Registry}}/{{.}} .{{if $.PlainHTTP}} --plain-http{{end}}{{end}}`,
))

// Staging renders in-container pull/push commands around a step command.
// The step image must ship the oras CLI unless OrasVersion is set, in which
// case that release is downloaded into /usr/local/bin first.
type Staging struct {
	Registry    string
	PlainHTTP   bool
	OrasVersion string
}

// Wrap returns command preceded by one pull per entry in pulls and followed
// by a push of push. A nil push skips the trailing push.
func (s Staging) Wrap(command string, pulls []models.ArtifactRef, push *models.ArtifactRef) (string, error) {
	data := struct {
		Registry    string
		PlainHTTP   bool
		OrasVersion string
		Pulls       []string
		Command     string
		Push        string
	}{
		Registry:    s.Registry,
		PlainHTTP:   s.PlainHTTP,
		OrasVersion: s.OrasVersion,
		Command:     command,
	}
	for _, p := range pulls {
		data.Pulls = append(data.Pulls, p.String())
	}
	if push != nil {
		data.Push = push.String()
	}

	var buf bytes.Buffer
	if err := stagingTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render staging command: %w", err)
	}
	return buf.String(), nil
}
