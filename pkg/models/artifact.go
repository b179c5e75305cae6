package models

import "fmt"

// ArtifactRef addresses one step's working-directory snapshot in the registry,
// plus the in-cluster coordinates of the registry pod.
type ArtifactRef struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`

	Namespace string `json:"namespace"`
	Pod       string `json:"pod"`
	Port      int    `json:"port"`
	PlainHTTP bool   `json:"plain_http"`
}

// Reference returns "<host>/<repository>:<tag>".
func (r ArtifactRef) Reference(host string) string {
	return fmt.Sprintf("%s/%s:%s", host, r.Repository, r.Tag)
}

// String is the registry-relative reference, "<repository>:<tag>".
func (r ArtifactRef) String() string {
	return r.Repository + ":" + r.Tag
}
