package middleware

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/service/adherence"
)

// PatientSweeper marks a patient's overdue doses as missed.
type PatientSweeper interface {
	SweepPatient(ctx context.Context, patientID string) (adherence.SweepResult, error)
}

// MissedDoseCheck sweeps the calling patient's doses before the request is
// served so reads reflect missed doses. Failures are logged and the request
// continues.
func MissedDoseCheck(sweeper PatientSweeper, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p, ok := PrincipalFrom(r.Context()); ok && p.Role == RolePatient {
				res, err := sweeper.SweepPatient(r.Context(), p.ID)
				switch {
				case err == nil:
					if res.Missed > 0 {
						logger.Info("marked overdue doses missed",
							zap.String("patient_id", p.ID),
							zap.Int("missed", res.Missed))
					}
				case errors.Is(err, dose.ErrNotFound):
					// Unknown patients get their 404 from the handler.
				default:
					logger.Warn("missed-dose check failed",
						zap.String("patient_id", p.ID),
						zap.String("request_id", GetRequestID(r.Context())),
						zap.Error(err))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Kicker starts a detached reminder check.
type Kicker interface {
	Kick()
}

// ReminderBackstop kicks the reminder trigger on every request. The kick never
// blocks the request.
func ReminderBackstop(k Kicker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k.Kick()
			next.ServeHTTP(w, r)
		})
	}
}
