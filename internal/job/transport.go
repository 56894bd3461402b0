package job

import (
	"github.com/google/uuid"

	"github.com/ahmethakanbesel/finance-pipeline/internal/apperror"
	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
)

type GetJobRequest struct {
	ID string
}

func (r GetJobRequest) Validate() *apperror.AppError {
	if _, err := uuid.Parse(r.ID); err != nil {
		return apperror.New(apperror.BadRequest, "invalid job id")
	}
	return nil
}

type ListJobsRequest struct {
	Status string
	Source string
	Limit  int
}

func (r ListJobsRequest) Validate() *apperror.AppError {
	if r.Status != "" && !Status(r.Status).Valid() {
		return apperror.New(apperror.BadRequest, "unknown status: "+r.Status)
	}
	if r.Source != "" && !record.Source(r.Source).Valid() {
		return apperror.New(apperror.BadRequest, "unknown source: "+r.Source)
	}
	if r.Limit < 0 {
		return apperror.New(apperror.BadRequest, "limit must not be negative")
	}
	return nil
}

type EnqueueRequest struct {
	Source  string
	Params  Params
	Trigger string
}

func (r EnqueueRequest) Validate() *apperror.AppError {
	if !record.Source(r.Source).Valid() {
		return apperror.New(apperror.BadRequest, "unknown source: "+r.Source)
	}
	return nil
}
