package httptransport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"giftflow/internal/entity"
	"giftflow/internal/service"
)

const maxUploadBytes = 5 << 20

type Handler struct {
	jobSvc *service.JobService
}

func NewHandler(jobSvc *service.JobService) *Handler {
	return &Handler{jobSvc: jobSvc}
}

type submitJobDTO struct {
	Kind  string          `json:"kind"`
	Input json.RawMessage `json:"input"`
}

type submitJobResp struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId"`
}

type jobDTO struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	Progress   int             `json:"progress"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *string         `json:"error,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	RetryCount int             `json:"retryCount"`
	QueuedAt   string          `json:"queuedAt"`
	CreatedAt  string          `json:"createdAt"`
	UpdatedAt  string          `json:"updatedAt"`
}

type jobResp struct {
	Success bool   `json:"success"`
	Job     jobDTO `json:"job"`
}

type jobListResp struct {
	Success bool     `json:"success"`
	Jobs    []jobDTO `json:"jobs"`
}

type okResp struct {
	Success bool `json:"success"`
}

type uploadResp struct {
	Success  bool  `json:"success"`
	UploadID int64 `json:"uploadId"`
}

func toJobDTO(j *entity.Job) jobDTO {
	return jobDTO{
		ID:         j.ID.String(),
		Kind:       string(j.Kind),
		Status:     string(j.Status),
		Progress:   j.Progress,
		Result:     j.Result,
		Error:      j.Error,
		Metadata:   j.Metadata,
		RetryCount: j.RetryCount,
		QueuedAt:   j.QueuedAt.Format(time.RFC3339),
		CreatedAt:  j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  j.UpdatedAt.Format(time.RFC3339),
	}
}

func (h *Handler) writeServiceErr(w http.ResponseWriter, err error) {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		writeErr(w, http.StatusBadRequest, ve.Msg)
	case errors.Is(err, service.ErrNotFound):
		writeErr(w, http.StatusNotFound, "job not found")
	case errors.Is(err, service.ErrForbidden):
		writeErr(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, service.ErrConflict):
		writeErr(w, http.StatusConflict, "job already finished")
	default:
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}

// SubmitJob godoc
// @Summary Submit a new ingestion job
// @Description Creates a pending job row; any worker may lease and run it.
// @Tags jobs
// @Accept json
// @Produce json
// @Param request body submitJobDTO true "job kind and input"
// @Success 201 {object} submitJobResp
// @Failure 400 {object} apiError
// @Failure 401 {object} apiError
// @Router /jobs [post]
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var dto submitJobDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	id, err := h.jobSvc.Submit(r.Context(), service.SubmitRequest{
		OwnerID: Principal(r.Context()),
		Kind:    entity.JobKind(dto.Kind),
		Input:   dto.Input,
	})
	if err != nil {
		h.writeServiceErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, submitJobResp{Success: true, JobID: id.String()})
}

// GetJob godoc
// @Summary Get job status and result
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} jobResp
// @Failure 403 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	job, err := h.jobSvc.Get(r.Context(), id, Principal(r.Context()), IsOperator(r.Context()))
	if err != nil {
		h.writeServiceErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, jobResp{Success: true, Job: toJobDTO(job)})
}

// ListJobs godoc
// @Summary List the caller's jobs
// @Tags jobs
// @Produce json
// @Param status query string false "status filter"
// @Param limit query int false "page size"
// @Param offset query int false "page offset"
// @Success 200 {object} jobListResp
// @Router /jobs [get]
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	status := entity.JobStatus(r.URL.Query().Get("status"))

	jobs, err := h.jobSvc.ListMine(r.Context(), Principal(r.Context()), status, limit, offset)
	if err != nil {
		h.writeServiceErr(w, err)
		return
	}

	out := make([]jobDTO, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobDTO(j))
	}
	writeJSON(w, http.StatusOK, jobListResp{Success: true, Jobs: out})
}

// CancelJob godoc
// @Summary Cancel a job
// @Description Pending jobs cancel instantly; processing jobs are flagged and abort at the next stage boundary.
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} okResp
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /jobs/{id} [delete]
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	if err := h.jobSvc.Cancel(r.Context(), id, Principal(r.Context())); err != nil {
		h.writeServiceErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, okResp{Success: true})
}

// Upload godoc
// @Summary Upload CSV bytes for a csv_wishlist_import job
// @Tags uploads
// @Accept text/csv
// @Produce json
// @Success 201 {object} uploadResp
// @Failure 400 {object} apiError
// @Router /uploads [post]
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(data) > maxUploadBytes {
		writeErr(w, http.StatusBadRequest, "upload too large")
		return
	}

	id, err := h.jobSvc.SaveUpload(r.Context(), Principal(r.Context()), r.Header.Get("Content-Type"), data)
	if err != nil {
		h.writeServiceErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, uploadResp{Success: true, UploadID: id})
}

type processorStatusResp struct {
	Success       bool  `json:"success"`
	ActiveWorkers int64 `json:"activeWorkers"`
	Pending       int64 `json:"pending"`
	Processing    int64 `json:"processing"`
	Failed        int64 `json:"failed"`
}

// ProcessorStatus godoc
// @Summary Queue and worker snapshot (operator only)
// @Tags admin
// @Produce json
// @Success 200 {object} processorStatusResp
// @Failure 403 {object} apiError
// @Router /admin/processor-status [get]
func (h *Handler) ProcessorStatus(w http.ResponseWriter, r *http.Request) {
	if !IsOperator(r.Context()) {
		writeErr(w, http.StatusForbidden, "operator role required")
		return
	}

	st, err := h.jobSvc.Status(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, processorStatusResp{
		Success:       true,
		ActiveWorkers: st.ActiveWorkers,
		Pending:       st.Pending,
		Processing:    st.Processing,
		Failed:        st.Failed,
	})
}
