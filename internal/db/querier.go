package db

import (
	"context"

	"github.com/google/uuid"
)

type Querier interface {
	CompleteRun(ctx context.Context, arg CompleteRunParams) (ReportRun, error)
	CreateRun(ctx context.Context, arg CreateRunParams) (ReportRun, error)
	GetRunByID(ctx context.Context, id uuid.UUID) (ReportRun, error)
	GetRunByIDForUpdate(ctx context.Context, id uuid.UUID) (ReportRun, error)
	ListPendingRuns(ctx context.Context, leaseSeconds float64) ([]ReportRun, error)
	ReleaseRun(ctx context.Context, id uuid.UUID) (ReportRun, error)
	SetRunError(ctx context.Context, arg SetRunErrorParams) (ReportRun, error)
	SetRunProcessing(ctx context.Context, arg SetRunProcessingParams) (ReportRun, error)
}

var _ Querier = (*Queries)(nil)
