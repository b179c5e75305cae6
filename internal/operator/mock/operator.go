package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kiranshivaraju/kueuexec/pkg/models"
	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// MockOperator satisfies models.Operator for testing.
type MockOperator struct {
	Kind_        string
	GenerateFunc func(req models.JobRequest, in models.GenerateInput) (models.Descriptor, error)
	SubmitFunc   func(ctx context.Context, d models.Descriptor) (string, error)
	StatusFunc   func(ctx context.Context, job *models.SubmittedJob) models.Observation
	CleanupFunc  func(ctx context.Context, job *models.SubmittedJob) error
	WriteLogFunc func(ctx context.Context, job *models.SubmittedJob) error

	CleanupCalls  atomic.Int32
	WriteLogCalls atomic.Int32

	mu      sync.Mutex
	cleaned []string
}

func (m *MockOperator) Kind() string { return m.Kind_ }

func (m *MockOperator) Generate(req models.JobRequest, in models.GenerateInput) (models.Descriptor, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(req, in)
	}
	return Descriptor(fmt.Sprintf("snakejob-%s-%d", req.Name, req.ID), 1), nil
}

func (m *MockOperator) Submit(ctx context.Context, d models.Descriptor) (string, error) {
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, d)
	}
	return d.Prefix() + "-abcde", nil
}

func (m *MockOperator) Status(ctx context.Context, job *models.SubmittedJob) models.Observation {
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, job)
	}
	return models.Observation{Status: models.StatusActive}
}

func (m *MockOperator) Cleanup(ctx context.Context, job *models.SubmittedJob) error {
	m.CleanupCalls.Add(1)
	m.mu.Lock()
	m.cleaned = append(m.cleaned, job.ExternalName)
	m.mu.Unlock()
	if m.CleanupFunc != nil {
		return m.CleanupFunc(ctx, job)
	}
	return nil
}

func (m *MockOperator) WriteLog(ctx context.Context, job *models.SubmittedJob) error {
	m.WriteLogCalls.Add(1)
	if m.WriteLogFunc != nil {
		return m.WriteLogFunc(ctx, job)
	}
	return nil
}

// Cleaned returns the external names passed to Cleanup, in call order.
func (m *MockOperator) Cleaned() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cleaned...)
}

// NewMockOperator returns a batch Job flavoured MockOperator whose jobs stay active.
func NewMockOperator() *MockOperator {
	return &MockOperator{Kind_: models.OperatorBatchJob}
}

// NewStatusOperator returns a MockOperator that reports status for every job.
func NewStatusOperator(status models.JobStatus) *MockOperator {
	return &MockOperator{
		Kind_: models.OperatorBatchJob,
		StatusFunc: func(_ context.Context, _ *models.SubmittedJob) models.Observation {
			return models.Observation{Status: status, Completions: 1}
		},
	}
}

// Descriptor returns a minimal batch Job descriptor with generateName prefix.
func Descriptor(prefix string, completions int32) *models.BatchJobDescriptor {
	return &models.BatchJobDescriptor{
		Job: &batchv1.Job{
			ObjectMeta: metav1.ObjectMeta{GenerateName: prefix + "-"},
			Spec:       batchv1.JobSpec{Completions: &completions},
		},
		ConfigMap: prefix + "-definition",
	}
}

var _ models.Operator = (*MockOperator)(nil)
