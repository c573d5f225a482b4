package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/gioiasoftware/wine-inventory/jobs"
	"github.com/gioiasoftware/wine-inventory/model"
	"github.com/gioiasoftware/wine-inventory/store"
)

// IngestHandler serves the ingestion endpoint (spec §6): accepts a
// file upload, resolves idempotency, creates a job record, and hands
// the work off to the background worker pool.
type IngestHandler struct {
	logger       zerolog.Logger
	manager      *jobs.Manager
	store        *store.Store
	pool         *jobs.Pool
	maxBodyBytes int64
}

func NewIngestHandler(logger zerolog.Logger, manager *jobs.Manager, st *store.Store, pool *jobs.Pool, maxBodyBytes int64) *IngestHandler {
	return &IngestHandler{logger: logger, manager: manager, store: st, pool: pool, maxBodyBytes: maxBodyBytes}
}

type ingestResponse struct {
	Status    string `json:"status"`
	JobID     string `json:"job_id"`
	FromCache bool   `json:"from_cache,omitempty"`
}

// Upload implements the ingestion endpoint contract from spec §6:
// accepts (tenant, file_type, file_bytes, client_msg_id?,
// correlation_id?, mode, dry_run?) as a multipart form, rejects
// {empty, oversize, unsupported type}, and returns {status, job_id,
// from_cache?}.
func (h *IngestHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(h.maxBodyBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	userID := r.FormValue("user_id")
	businessName := r.FormValue("business_name")
	if userID == "" || businessName == "" {
		writeError(w, http.StatusBadRequest, "user_id and business_name are required")
		return
	}
	tenant := model.Tenant{UserID: userID, BusinessName: businessName}

	fileType := r.FormValue("file_type")
	mode := r.FormValue("mode")
	if mode == "" {
		mode = "add"
	}
	if mode != "add" && mode != "replace" {
		writeError(w, http.StatusBadRequest, "mode must be add or replace")
		return
	}
	dryRun, _ := strconv.ParseBool(r.FormValue("dry_run"))
	correlationID := r.FormValue("correlation_id")
	if correlationID == "" {
		correlationID = r.Header.Get("X-Request-ID")
	}
	var clientMsgID *string
	if v := r.FormValue("client_msg_id"); v != "" {
		clientMsgID = &v
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	if header.Size == 0 {
		writeError(w, http.StatusBadRequest, "empty file")
		return
	}
	if header.Size > h.maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file exceeds the upload size limit")
		return
	}
	raw, err := io.ReadAll(io.LimitReader(file, h.maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if int64(len(raw)) > h.maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file exceeds the upload size limit")
		return
	}

	ext := fileType
	if ext == "" {
		ext = extFromName(header.Filename)
	}
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "csv", "tsv", "xlsx", "xls", "pdf", "jpg", "jpeg", "png":
	default:
		writeError(w, http.StatusBadRequest, "unsupported file type")
		return
	}

	if clientMsgID != nil {
		outcome, err := h.manager.GetJobByClientMsgID(r.Context(), tenant, *clientMsgID)
		if err != nil {
			h.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("idempotency probe failed")
			writeError(w, http.StatusInternalServerError, "idempotency check failed")
			return
		}
		if outcome != nil {
			writeJSON(w, http.StatusOK, ingestResponse{
				Status:    string(outcome.Job.Status),
				JobID:     outcome.Job.JobID,
				FromCache: true,
			})
			return
		}
	}

	if err := h.store.EnsureTenantTables(r.Context(), tenant.Key()); err != nil {
		h.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("failed to provision tenant tables")
		writeError(w, http.StatusInternalServerError, "failed to provision tenant storage")
		return
	}

	jobID, err := h.manager.CreateJob(r.Context(), tenant, fileType, header.Filename, header.Size, clientMsgID)
	if err != nil {
		h.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("failed to create job")
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	submitted := h.pool.Submit(jobs.Task{
		JobID:         jobID,
		Tenant:        tenant,
		Raw:           raw,
		FileName:      header.Filename,
		Ext:           ext,
		CorrelationID: correlationID,
		Mode:          mode,
		DryRun:        dryRun,
	})
	if !submitted {
		errMsg := "worker queue saturated"
		_ = h.manager.UpdateJobStatus(r.Context(), jobID, jobs.Update{Status: model.JobError, ErrorMessage: &errMsg})
		writeError(w, http.StatusServiceUnavailable, errMsg)
		return
	}

	writeJSON(w, http.StatusAccepted, ingestResponse{Status: "processing", JobID: jobID})
}

func extFromName(name string) string {
	for i := len(name) - 1; i >= 0 && i > len(name)-8; i-- {
		if name[i] == '.' {
			return name[i+1:]
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "error_message": msg})
}

func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}
