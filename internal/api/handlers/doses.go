package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/domain/dose"
)

// defaultHistoryDays is the window used when a range is not given.
const defaultHistoryDays = 30

// Tracker is the adherence service behind the dose endpoints.
type Tracker interface {
	Patient(ctx context.Context, patientID string) (dose.Patient, error)
	Today() dose.Date
	TodayDoses(ctx context.Context, patientID string) ([]*dose.DoseEvent, error)
	UpdateStatus(ctx context.Context, patientID string, key dose.OccurrenceKey, to dose.State) (*dose.DoseEvent, bool, error)
	History(ctx context.Context, patientID string, from, to dose.Date) ([]*dose.DoseEvent, error)
	Stats(ctx context.Context, patientID string, from, to dose.Date) (dose.Stats, error)
}

// DoseHandler serves a patient's doses to the patient, the assigned doctor and
// admins. Only the patient may report a status.
type DoseHandler struct {
	tracker Tracker
	logger  *zap.Logger
}

func NewDoseHandler(tracker Tracker, logger *zap.Logger) *DoseHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DoseHandler{tracker: tracker, logger: logger}
}

// Routes returns the handler routes, mounted under /patients.
func (h *DoseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{patientID}/doses/today", h.Today)
	r.Post("/{patientID}/doses/status", h.UpdateStatus)
	r.Get("/{patientID}/doses/history", h.History)
	r.Get("/{patientID}/adherence", h.Adherence)
	return r
}

// authorizeRead resolves the patient in the URL and checks the caller may see it.
func (h *DoseHandler) authorizeRead(r *http.Request) (string, error) {
	patientID := chi.URLParam(r, "patientID")
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		return "", middleware.ErrForbidden
	}
	// A patient asking about someone else learns nothing about whether they exist.
	if p.Role == middleware.RolePatient && p.ID != patientID {
		return "", fmt.Errorf("%w: patients may only read their own doses", middleware.ErrForbidden)
	}
	patient, err := h.tracker.Patient(r.Context(), patientID)
	if err != nil {
		return "", err
	}
	if !p.CanRead(patient) {
		return "", fmt.Errorf("%w: not assigned to patient %s", middleware.ErrForbidden, patientID)
	}
	return patientID, nil
}

// TodayResponse lists the doses scheduled today.
type TodayResponse struct {
	PatientID string            `json:"patient_id"`
	Date      dose.Date         `json:"date"`
	Doses     []*dose.DoseEvent `json:"doses"`
}

// Today handles GET /patients/{patientID}/doses/today
func (h *DoseHandler) Today(w http.ResponseWriter, r *http.Request) {
	patientID, err := h.authorizeRead(r)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	doses, err := h.tracker.TodayDoses(r.Context(), patientID)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, TodayResponse{
		PatientID: patientID,
		Date:      h.tracker.Today(),
		Doses:     doses,
	})
}

// StatusRequest is a patient's self-report for one dose.
type StatusRequest struct {
	PrescriptionID string `json:"prescription_id"`
	Date           string `json:"date"`
	Time           string `json:"time"`
	Status         string `json:"status"`
}

func (req StatusRequest) parse() (dose.OccurrenceKey, dose.State, error) {
	day, err := dose.ParseDate(req.Date)
	if err != nil {
		return dose.OccurrenceKey{}, 0, err
	}
	tod, err := dose.ParseTimeOfDay(req.Time)
	if err != nil {
		return dose.OccurrenceKey{}, 0, err
	}
	state, err := dose.ParseState(req.Status)
	if err != nil {
		return dose.OccurrenceKey{}, 0, err
	}
	return dose.OccurrenceKey{PrescriptionID: req.PrescriptionID, Date: day, TimeOfDay: tod}, state, nil
}

// StatusResponse carries the resulting record. Changed is false when the dose
// was already terminal; the record then shows the state that won.
type StatusResponse struct {
	Dose    *dose.DoseEvent `json:"dose"`
	Changed bool            `json:"changed"`
}

// UpdateStatus handles POST /patients/{patientID}/doses/status
func (h *DoseHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok || p.Role != middleware.RolePatient || p.ID != patientID {
		jsonError(w, "only the patient may report a dose", http.StatusForbidden)
		return
	}

	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	key, state, err := req.parse()
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}

	ev, changed, err := h.tracker.UpdateStatus(r.Context(), patientID, key, state)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	if changed {
		h.logger.Info("dose reported",
			zap.String("patient_id", patientID),
			zap.String("dose", key.String()),
			zap.String("state", ev.State.String()),
			zap.String("request_id", middleware.GetRequestID(r.Context())))
	}
	writeJSON(w, http.StatusOK, StatusResponse{Dose: ev, Changed: changed})
}

// dateRange reads from/to query parameters. Missing bounds default to the last
// defaultHistoryDays days ending today.
func (h *DoseHandler) dateRange(r *http.Request) (dose.Date, dose.Date, error) {
	to := h.tracker.Today()
	if v := r.URL.Query().Get("to"); v != "" {
		d, err := dose.ParseDate(v)
		if err != nil {
			return dose.Date{}, dose.Date{}, err
		}
		to = d
	}
	from := to.AddDays(-(defaultHistoryDays - 1))
	if v := r.URL.Query().Get("from"); v != "" {
		d, err := dose.ParseDate(v)
		if err != nil {
			return dose.Date{}, dose.Date{}, err
		}
		from = d
	}
	return from, to, nil
}

// HistoryResponse lists dose records in a range, oldest first.
type HistoryResponse struct {
	PatientID string            `json:"patient_id"`
	From      dose.Date         `json:"from"`
	To        dose.Date         `json:"to"`
	Doses     []*dose.DoseEvent `json:"doses"`
}

// History handles GET /patients/{patientID}/doses/history?from=&to=
func (h *DoseHandler) History(w http.ResponseWriter, r *http.Request) {
	patientID, err := h.authorizeRead(r)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	from, to, err := h.dateRange(r)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	events, err := h.tracker.History(r.Context(), patientID, from, to)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	if events == nil {
		events = []*dose.DoseEvent{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{PatientID: patientID, From: from, To: to, Doses: events})
}

// Adherence handles GET /patients/{patientID}/adherence?from=&to=
func (h *DoseHandler) Adherence(w http.ResponseWriter, r *http.Request) {
	patientID, err := h.authorizeRead(r)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	from, to, err := h.dateRange(r)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	stats, err := h.tracker.Stats(r.Context(), patientID, from, to)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
