// Package httphandler is the inbound HTTP adapter: the enrollment trigger,
// attempt history, health and metrics endpoints.
package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ericfisherdev/enrollwatch/internal/application"
	"github.com/ericfisherdev/enrollwatch/internal/domain/port/driven"
)

// maxBodyBytes caps schedule request bodies.
const maxBodyBytes = 1 << 16

// EnrollmentScheduler starts attempt chains. *application.RetryScheduler
// satisfies it.
type EnrollmentScheduler interface {
	Schedule(ctx context.Context, enrollmentID int64, courseID *int64) error
}

// Handler is the HTTP driving adapter that serves the trigger API.
type Handler struct {
	scheduler EnrollmentScheduler
	queue     driven.AttemptQueue
	healthSvc *application.HealthService
	logger    *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(
	scheduler EnrollmentScheduler,
	queue driven.AttemptQueue,
	healthSvc *application.HealthService,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		scheduler: scheduler,
		queue:     queue,
		healthSvc: healthSvc,
		logger:    logger,
	}
}

// RegisterRoutes registers the API routes on mux. metrics may be nil.
func RegisterRoutes(mux *http.ServeMux, h *Handler, metrics http.Handler) {
	mux.HandleFunc("POST /task/schedule", h.ScheduleTask)
	mux.HandleFunc("GET /task/{tuition_id}", h.TaskHistory)
	mux.HandleFunc("GET /api/v1/health", h.Health)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with the standard middleware.
func NewServeMux(h *Handler, metrics http.Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, h, metrics)
	return ApplyMiddleware(mux, logger)
}

// ScheduleTask accepts a JSON or form body with tuition_id (required) and
// course_id (optional) and starts polling that enrollment.
func (h *Handler) ScheduleTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	tuitionID, courseID, err := parseScheduleRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.scheduler.Schedule(r.Context(), tuitionID, courseID); err != nil {
		h.logger.Error("failed to schedule enrollment",
			"tuition_id", tuitionID,
			"error", err,
			"request_id", RequestIDFrom(r.Context()),
		)
		writeJSON(w, http.StatusInternalServerError, MessageResponse{Message: "Error while creating task: " + schedulingCause(err)})
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: "Task scheduled"})
}

// TaskHistory returns every attempt recorded for an enrollment.
func (h *Handler) TaskHistory(w http.ResponseWriter, r *http.Request) {
	tuitionID, err := strconv.ParseInt(r.PathValue("tuition_id"), 10, 64)
	if err != nil || tuitionID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid tuition_id")
		return
	}

	attempts, err := h.queue.History(r.Context(), tuitionID)
	if err != nil {
		h.logger.Error("failed to load attempt history", "tuition_id", tuitionID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if len(attempts) == 0 {
		writeError(w, http.StatusNotFound, "no attempts recorded for tuition")
		return
	}

	resp := HistoryResponse{TuitionID: tuitionID, Attempts: make([]AttemptResponse, 0, len(attempts))}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, toAttemptResponse(a))
	}

	writeJSON(w, http.StatusOK, resp)
}

// Health reports whether the database is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC().Format(time.RFC3339)

	report, err := h.healthSvc.Check(r.Context())
	if err != nil {
		h.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Time: now})
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:          "ok",
		Time:            now,
		PendingAttempts: report.PendingAttempts,
	})
}

// parseScheduleRequest reads tuition_id and course_id from a JSON body or
// from form values.
func parseScheduleRequest(r *http.Request) (int64, *int64, error) {
	var rawTuition, rawCourse string

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req ScheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return 0, nil, errors.New("invalid request body")
		}
		var err error
		if rawTuition, err = jsonScalar(req.TuitionID); err != nil {
			return 0, nil, errors.New("tuition_id must be an integer")
		}
		if rawCourse, err = jsonScalar(req.CourseID); err != nil {
			return 0, nil, errors.New("course_id must be an integer")
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return 0, nil, errors.New("invalid request body")
		}
		rawTuition = strings.TrimSpace(r.PostForm.Get("tuition_id"))
		rawCourse = strings.TrimSpace(r.PostForm.Get("course_id"))
	}

	if rawTuition == "" {
		return 0, nil, errors.New("tuition_id is required")
	}
	tuitionID, err := strconv.ParseInt(rawTuition, 10, 64)
	if err != nil || tuitionID <= 0 {
		return 0, nil, errors.New("tuition_id must be a positive integer")
	}

	if rawCourse == "" {
		return tuitionID, nil, nil
	}
	courseID, err := strconv.ParseInt(rawCourse, 10, 64)
	if err != nil || courseID <= 0 {
		return 0, nil, errors.New("course_id must be a positive integer")
	}
	return tuitionID, &courseID, nil
}

// jsonScalar returns the textual form of a JSON number or string. Absent and
// null values yield "".
func jsonScalar(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("not a number or string: %s", raw)
	}
	return strings.TrimSpace(s), nil
}

// schedulingCause strips the SchedulingError prefix so the response carries
// only the underlying reason.
func schedulingCause(err error) string {
	var se *driven.SchedulingError
	if errors.As(err, &se) && se.Err != nil {
		return se.Err.Error()
	}
	return err.Error()
}
