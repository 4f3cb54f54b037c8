package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/drfirst/go-adherence/internal/domain/dose"
)

// Role is the kind of caller a token identifies.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

func (r Role) valid() bool {
	switch r {
	case RolePatient, RoleDoctor, RoleAdmin:
		return true
	}
	return false
}

// Principal is the authenticated caller.
type Principal struct {
	Role Role
	ID   string
}

// CanRead reports whether p may read patient's doses: the patient, the assigned
// doctor or an admin.
func (p Principal) CanRead(patient dose.Patient) bool {
	switch p.Role {
	case RoleAdmin:
		return true
	case RolePatient:
		return p.ID == patient.ID
	case RoleDoctor:
		return patient.DoctorID != "" && p.ID == patient.DoctorID
	}
	return false
}

var (
	ErrTokenMissing = errors.New("missing bearer token")
	ErrTokenExpired = errors.New("token has expired")
	ErrTokenInvalid = errors.New("token is invalid")
	ErrForbidden    = errors.New("forbidden")
)

type adherenceClaims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// Verifier signs and validates HS256 session tokens.
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Issue signs a token for p. Used by tooling and tests; sessions are normally
// minted by the identity service sharing the secret.
func (v *Verifier) Issue(p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := adherenceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now.Add(-10 * time.Second)),
		},
		Role: p.Role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify validates a token and returns its principal.
func (v *Verifier) Verify(tokenString string) (Principal, error) {
	if tokenString == "" {
		return Principal{}, ErrTokenMissing
	}
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &adherenceClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secret, nil
		}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrTokenExpired
		}
		return Principal{}, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*adherenceClaims)
	if !ok || !token.Valid || claims.Subject == "" || !claims.Role.valid() {
		return Principal{}, ErrTokenInvalid
	}
	return Principal{Role: claims.Role, ID: claims.Subject}, nil
}

// BearerToken reads the token from the Authorization header, falling back to
// the token query parameter used by websocket clients.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Identity rejects requests without a valid token and stores the principal in
// the request context.
func Identity(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := v.Verify(BearerToken(r))
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

// PrincipalFrom returns the authenticated caller, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(PrincipalKey).(Principal)
	return p, ok
}
