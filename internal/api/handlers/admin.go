package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/service/reminder"
)

const defaultBucket = "morning"

// Firer force-fires a reminder bucket.
type Firer interface {
	Fire(ctx context.Context, bucket string, source reminder.Source) (reminder.Summary, error)
}

// AdminHandler serves operator endpoints.
type AdminHandler struct {
	firer  Firer
	logger *zap.Logger
}

func NewAdminHandler(firer Firer, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{firer: firer, logger: logger}
}

// Routes returns the handler routes, mounted under /admin.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/reminders", h.FireReminders)
	return r
}

// FireRequest names the bucket to fire. An empty body fires the morning bucket.
type FireRequest struct {
	Bucket string `json:"bucket"`
}

// FireResponse reports the outcome in operator terms.
type FireResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Summary *reminder.Summary `json:"summary,omitempty"`
}

// FireReminders handles POST /admin/reminders. The time window is bypassed but
// a batch already sent today is not sent again.
func (h *AdminHandler) FireReminders(w http.ResponseWriter, r *http.Request) {
	var req FireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, FireResponse{Message: "invalid request body"})
		return
	}
	if req.Bucket == "" {
		req.Bucket = defaultBucket
	}

	summary, err := h.firer.Fire(r.Context(), req.Bucket, reminder.SourceManual)
	if err != nil {
		code := statusFor(err)
		msg := err.Error()
		if code >= http.StatusInternalServerError {
			h.logger.Error("manual reminder fire failed",
				zap.String("bucket", req.Bucket),
				zap.String("client_id", middleware.GetClientID(r.Context())),
				zap.Error(err))
			msg = "failed to send " + req.Bucket + " medication reminders"
		}
		writeJSON(w, code, FireResponse{Message: msg})
		return
	}

	h.logger.Info("manual reminder fire",
		zap.String("bucket", summary.Bucket),
		zap.Bool("fired", summary.Fired),
		zap.Int("patients", summary.Patients),
		zap.String("client_id", middleware.GetClientID(r.Context())))
	writeJSON(w, http.StatusOK, FireResponse{Success: true, Message: summary.Message(), Summary: &summary})
}
