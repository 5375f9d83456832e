package server

import (
	"bytes"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rekberid/rekberd/internal/core/errs"
)

// requestLogger logs one line per request with zap.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

var alnumKey = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

func validIdempotencyKey(key string) bool {
	if _, err := uuid.Parse(key); err == nil {
		return true
	}
	return alnumKey.MatchString(key)
}

// idempotent fronts a money-moving handler with the idempotency cache.
// A replayed key returns the stored response; a key held by an in-flight
// request conflicts; a key bound to a different request body is rejected.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := principalFrom(r.Context())
		if !ok {
			s.writeError(w, r, errs.Authorization(errs.CodeUnauthenticated, "missing bearer token"))
			return
		}
		key := r.Header.Get("X-Idempotency-Key")
		if key == "" {
			s.writeError(w, r, errs.Validation("INVALID_REQUEST", "X-Idempotency-Key header required"))
			return
		}
		if !validIdempotencyKey(key) {
			s.writeError(w, r, errs.Validation("INVALID_REQUEST", "idempotency key must be a UUID or 8-64 alphanumerics"))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			s.writeError(w, r, errs.Validation("INVALID_REQUEST", "unreadable request body"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		fingerprint := s.fingerprint(r.Method, r.URL.Path, body, p.UserID)
		prior, started, err := s.idem.Begin(r.Context(), p.UserID, key, fingerprint)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !started {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replay", "true")
			w.WriteHeader(prior.StatusCode)
			w.Write(prior.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK, capture: true}
		next.ServeHTTP(rec, r)

		// Successes and client errors are definitive and replay for the
		// record TTL; server errors free the key for a retry.
		switch {
		case rec.status < 300:
			if err := s.idem.Complete(r.Context(), p.UserID, key, rec.status, rec.body.Bytes()); err != nil {
				s.log.Error("idempotency complete failed", zap.String("key", key), zap.Error(err))
			}
		case rec.status < 500:
			if err := s.idem.Fail(r.Context(), p.UserID, key, rec.status, rec.body.Bytes()); err != nil {
				s.log.Error("idempotency fail failed", zap.String("key", key), zap.Error(err))
			}
		default:
			if err := s.idem.Release(r.Context(), p.UserID, key); err != nil {
				s.log.Error("idempotency release failed", zap.String("key", key), zap.Error(err))
			}
		}
	})
}

type responseRecorder struct {
	http.ResponseWriter
	status  int
	capture bool
	body    bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.capture {
		r.body.Write(b)
	}
	return r.ResponseWriter.Write(b)
}
