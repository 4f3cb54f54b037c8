package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/service/adherence"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestRequestIDPropagation(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "req-42" || rec.Header().Get("X-Request-ID") != "req-42" {
		t.Fatalf("expected request id to be propagated, got ctx=%q header=%q", seen, rec.Header().Get("X-Request-ID"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || seen == "req-42" {
		t.Errorf("expected a generated request id, got %q", seen)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	h := APIKeyAuth(ParseAPIKeys([]string{"k1:ops", "k2"}))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Client", GetClientID(r.Context()))
	}))

	tests := []struct {
		name   string
		key    string
		status int
		client string
	}{
		{"missing", "", http.StatusUnauthorized, ""},
		{"unknown", "nope", http.StatusUnauthorized, ""},
		{"named", "k1", http.StatusOK, "ops"},
		{"unnamed", "k2", http.StatusOK, "admin-2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if got := rec.Header().Get("X-Client"); got != tt.client {
				t.Errorf("client = %q, want %q", got, tt.client)
			}
		})
	}
}

func TestVerifierRoundTrip(t *testing.T) {
	v := NewVerifier("secret", "adherence")
	token, err := v.Issue(Principal{Role: RoleDoctor, ID: "d-1"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	p, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.Role != RoleDoctor || p.ID != "d-1" {
		t.Errorf("unexpected principal %+v", p)
	}
}

func TestVerifierRejects(t *testing.T) {
	v := NewVerifier("secret", "adherence")

	expired, err := v.Issue(Principal{Role: RolePatient, ID: "p-1"}, -time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := v.Verify(expired); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}

	other, _ := NewVerifier("other", "adherence").Issue(Principal{Role: RolePatient, ID: "p-1"}, time.Hour)
	if _, err := v.Verify(other); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("expected ErrTokenInvalid for foreign signature, got %v", err)
	}

	badRole, _ := v.Issue(Principal{Role: "nurse", ID: "n-1"}, time.Hour)
	if _, err := v.Verify(badRole); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("expected ErrTokenInvalid for unknown role, got %v", err)
	}

	if _, err := v.Verify(""); !errors.Is(err, ErrTokenMissing) {
		t.Errorf("expected ErrTokenMissing, got %v", err)
	}
}

func TestIdentityReadsHeaderAndQuery(t *testing.T) {
	v := NewVerifier("secret", "")
	token, _ := v.Issue(Principal{Role: RolePatient, ID: "p-7"}, time.Hour)

	var got Principal
	h := Identity(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || got.ID != "p-7" {
		t.Fatalf("header token: status=%d principal=%+v", rec.Code, got)
	}

	got = Principal{}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil))
	if rec.Code != http.StatusOK || got.ID != "p-7" {
		t.Fatalf("query token: status=%d principal=%+v", rec.Code, got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}
}

type sweepFunc func(ctx context.Context, id string) (adherence.SweepResult, error)

func (f sweepFunc) SweepPatient(ctx context.Context, id string) (adherence.SweepResult, error) {
	return f(ctx, id)
}

func TestMissedDoseCheckOnlyForPatients(t *testing.T) {
	var swept []string
	sweeper := sweepFunc(func(_ context.Context, id string) (adherence.SweepResult, error) {
		swept = append(swept, id)
		return adherence.SweepResult{}, dose.ErrStoreUnavailable
	})
	h := MissedDoseCheck(sweeper, nil)(okHandler())

	for _, p := range []Principal{{Role: RolePatient, ID: "p-1"}, {Role: RoleDoctor, ID: "d-1"}} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(WithPrincipal(req.Context(), p))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("sweep failure must not fail the request, got %d", rec.Code)
		}
	}
	if len(swept) != 1 || swept[0] != "p-1" {
		t.Errorf("expected only the patient to be swept, got %v", swept)
	}
}

type countingKicker struct{ n atomic.Int32 }

func (k *countingKicker) Kick() { k.n.Add(1) }

func TestReminderBackstopKicks(t *testing.T) {
	k := &countingKicker{}
	h := ReminderBackstop(k)(okHandler())
	for i := 0; i < 3; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	if k.n.Load() != 3 {
		t.Errorf("expected 3 kicks, got %d", k.n.Load())
	}
}

func TestRecoverReturns500(t *testing.T) {
	h := Recover(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
