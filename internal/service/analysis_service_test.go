package service

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/apk-analysis/droidscan/internal/analysis"
	"github.com/apk-analysis/droidscan/internal/domain"
	"github.com/apk-analysis/droidscan/internal/repository"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockReportRepository Mock Repository
type MockReportRepository struct {
	mock.Mock
}

func (m *MockReportRepository) Upsert(ctx context.Context, report *domain.SampleReport) error {
	return m.Called(report).Error(0)
}

func (m *MockReportRepository) UpdateStatus(ctx context.Context, sampleID string, status domain.AnalysisStatus, errMsg string) error {
	return m.Called(sampleID, status, errMsg).Error(0)
}

func (m *MockReportRepository) FindBySampleID(ctx context.Context, sampleID string) (*domain.SampleReport, error) {
	args := m.Called(sampleID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SampleReport), args.Error(1)
}

func (m *MockReportRepository) ListRecent(ctx context.Context, filter repository.ListFilter) ([]domain.SampleReport, int64, error) {
	args := m.Called(filter)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]domain.SampleReport), args.Get(1).(int64), args.Error(2)
}

func (m *MockReportRepository) Delete(ctx context.Context, sampleID string) error {
	return m.Called(sampleID).Error(0)
}

type stubEnqueuer struct{}

func (stubEnqueuer) Enqueue(_ context.Context, s analysis.Sample) (analysis.Sample, error) {
	s.ID = "generated-id"
	return s, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestAnalysisService_Submit(t *testing.T) {
	repo := new(MockReportRepository)
	var dispatched []analysis.Sample
	svc := NewAnalysisService(repo, stubEnqueuer{}, DispatchFunc(func(_ context.Context, s analysis.Sample) error {
		dispatched = append(dispatched, s)
		return nil
	}), quietLogger())

	root := t.TempDir()
	sample, err := svc.Submit(context.Background(), SubmitRequest{Root: root, MainActivity: "com.x.Main"})
	require.NoError(t, err)
	assert.Equal(t, "generated-id", sample.ID)
	require.Len(t, dispatched, 1)
	assert.Equal(t, root, dispatched[0].Root)
	assert.Equal(t, "com.x.Main", dispatched[0].MainActivity)
	repo.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything)
}

func TestAnalysisService_Submit_InvalidRoot(t *testing.T) {
	svc := NewAnalysisService(new(MockReportRepository), stubEnqueuer{}, DispatchFunc(func(context.Context, analysis.Sample) error {
		t.Fatal("dispatch must not be called")
		return nil
	}), quietLogger())

	_, err := svc.Submit(context.Background(), SubmitRequest{Root: filepath.Join(t.TempDir(), "missing")})
	assert.ErrorIs(t, err, ErrInvalidSample)
}

func TestAnalysisService_Submit_DispatchFailure(t *testing.T) {
	repo := new(MockReportRepository)
	repo.On("UpdateStatus", "generated-id", domain.AnalysisStatusFailed, "task queue is full").Return(nil)

	svc := NewAnalysisService(repo, stubEnqueuer{}, DispatchFunc(func(context.Context, analysis.Sample) error {
		return errors.New("task queue is full")
	}), quietLogger())

	_, err := svc.Submit(context.Background(), SubmitRequest{Root: t.TempDir()})
	assert.Error(t, err)
	repo.AssertExpectations(t)
}

func TestAnalysisService_DeleteReport(t *testing.T) {
	repo := new(MockReportRepository)
	repo.On("FindBySampleID", "a").Return(&domain.SampleReport{SampleID: "a"}, nil)
	repo.On("Delete", "a").Return(nil)
	repo.On("FindBySampleID", "b").Return(nil, repository.ErrReportNotFound)

	svc := NewAnalysisService(repo, stubEnqueuer{}, nil, quietLogger())

	assert.NoError(t, svc.DeleteReport(context.Background(), "a"))
	assert.ErrorIs(t, svc.DeleteReport(context.Background(), "b"), repository.ErrReportNotFound)
	repo.AssertNumberOfCalls(t, "Delete", 1)
}

func TestAnalysisService_ListReports(t *testing.T) {
	repo := new(MockReportRepository)
	filter := repository.ListFilter{Limit: 10}
	repo.On("ListRecent", filter).Return([]domain.SampleReport{{SampleID: "x"}}, int64(1), nil)

	svc := NewAnalysisService(repo, stubEnqueuer{}, nil, quietLogger())
	reports, total, err := svc.ListReports(context.Background(), filter)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Len(t, reports, 1)
}
