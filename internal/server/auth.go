package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rekberid/rekberd/internal/core/errs"
)

type principalKey struct{}

// Principal is the authenticated caller extracted from the JWT.
type Principal struct {
	UserID  string
	IsAdmin bool
	MFA     bool
}

// Claims is the token payload rekberd issues and accepts.
type Claims struct {
	UserID  string `json:"user_id"`
	IsAdmin bool   `json:"is_admin"`
	MFA     bool   `json:"mfa"`
	jwt.RegisteredClaims
}

func principalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

// authenticate validates the bearer token and stores the principal on the
// request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found || raw == "" {
			s.writeError(w, r, errs.Authorization(errs.CodeUnauthenticated, "missing bearer token"))
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(s.jwtSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
		if err != nil || !token.Valid || claims.UserID == "" {
			s.writeError(w, r, errs.Authorization(errs.CodeUnauthenticated, "invalid token"))
			return
		}

		p := &Principal{UserID: claims.UserID, IsAdmin: claims.IsAdmin, MFA: claims.MFA}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// requireMFA gates admin money movement behind a fresh MFA claim.
func (s *Server) requireMFA(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := principalFrom(r.Context())
		if !ok {
			s.writeError(w, r, errs.Authorization(errs.CodeUnauthenticated, "missing bearer token"))
			return
		}
		if !p.MFA {
			s.writeError(w, r, errs.Authorization(errs.CodeMFARequired, "multi-factor authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
