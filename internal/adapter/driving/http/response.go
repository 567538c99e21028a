package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ericfisherdev/enrollwatch/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is the body of the schedule endpoint's outcome.
type MessageResponse struct {
	Message string `json:"message"`
}

// ScheduleRequest is the JSON body of the schedule endpoint. IDs may be sent
// as numbers or numeric strings.
type ScheduleRequest struct {
	TuitionID json.RawMessage `json:"tuition_id"`
	CourseID  json.RawMessage `json:"course_id"`
}

// AttemptResponse is the JSON representation of one polling attempt.
type AttemptResponse struct {
	AttemptNumber int    `json:"attempt_number"`
	CourseID      *int64 `json:"course_id"`
	Status        string `json:"status"`
	Outcome       string `json:"outcome,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	ScheduledAt   string `json:"scheduled_at"`
	UpdatedAt     string `json:"updated_at"`
}

// HistoryResponse lists the attempts made for an enrollment.
type HistoryResponse struct {
	TuitionID int64             `json:"tuition_id"`
	Attempts  []AttemptResponse `json:"attempts"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status          string `json:"status"`
	Time            string `json:"time"`
	PendingAttempts int    `json:"pending_attempts"`
}

// toAttemptResponse converts a domain PollingAttempt to its JSON representation.
func toAttemptResponse(a model.PollingAttempt) AttemptResponse {
	return AttemptResponse{
		AttemptNumber: a.AttemptNumber,
		CourseID:      a.CourseID,
		Status:        string(a.Status),
		Outcome:       string(a.Outcome),
		LastError:     a.LastError,
		ScheduledAt:   a.ScheduledAt.UTC().Format(time.RFC3339),
		UpdatedAt:     a.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
