package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/gioiasoftware/wine-inventory/jobs"
)

// JobHandler serves job-status polling (spec §4.G).
type JobHandler struct {
	logger  zerolog.Logger
	manager *jobs.Manager
}

func NewJobHandler(logger zerolog.Logger, manager *jobs.Manager) *JobHandler {
	return &JobHandler{logger: logger, manager: manager}
}

type jobResponse struct {
	JobID            string  `json:"job_id"`
	Status           string  `json:"status"`
	FileType         string  `json:"file_type"`
	FileName         string  `json:"file_name"`
	TotalWines       int     `json:"total_wines"`
	ProcessedWines   int     `json:"processed_wines"`
	SavedWines       int     `json:"saved_wines"`
	ErrorCount       int     `json:"error_count"`
	ProgressPercent  float64 `json:"progress_percent"`
	ProcessingMethod string  `json:"processing_method,omitempty"`
	StageUsed        string  `json:"stage_used,omitempty"`
	ErrorMessage     string  `json:"error_message,omitempty"`
}

// Get returns the current state of a job by id.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := h.manager.GetJob(r.Context(), jobID)
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to load job")
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	writeJSON(w, http.StatusOK, jobResponse{
		JobID:            job.JobID,
		Status:           string(job.Status),
		FileType:         job.FileType,
		FileName:         job.FileName,
		TotalWines:       job.TotalWines,
		ProcessedWines:   job.ProcessedWines,
		SavedWines:       job.SavedWines,
		ErrorCount:       job.ErrorCount,
		ProgressPercent:  job.ProgressPercent(),
		ProcessingMethod: job.ProcessingMethod,
		StageUsed:        job.StageUsed,
		ErrorMessage:     job.ErrorMessage,
	})
}
