// Package operator selects the Operator implementation for a job request.
package operator

import (
	"fmt"

	"github.com/kiranshivaraju/kueuexec/internal/operator/batchjob"
	"github.com/kiranshivaraju/kueuexec/internal/operator/cluster"
	"github.com/kiranshivaraju/kueuexec/internal/operator/minicluster"
	"github.com/kiranshivaraju/kueuexec/internal/operator/mpijob"
	"github.com/kiranshivaraju/kueuexec/pkg/models"
)

// NewOperator constructs the operator for kind. An empty kind selects the
// batch Job operator.
func NewOperator(kind string, h *cluster.Helper) (models.Operator, error) {
	switch kind {
	case "", models.OperatorBatchJob:
		return batchjob.New(h), nil
	case models.OperatorMiniCluster:
		return minicluster.New(h), nil
	case models.OperatorMPIJob:
		return mpijob.New(h), nil
	default:
		return nil, fmt.Errorf("%w %q: must be one of job, flux-operator, mpi-operator", ErrUnsupportedOperator, kind)
	}
}

// Factory builds operators on demand. The executor depends on this instead
// of NewOperator so tests can substitute mocks.
type Factory func(kind string) (models.Operator, error)

// NewFactory binds NewOperator to one cluster helper.
func NewFactory(h *cluster.Helper) Factory {
	return func(kind string) (models.Operator, error) {
		return NewOperator(kind, h)
	}
}
