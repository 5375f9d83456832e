// Package logging configures the process-wide structured logger and the
// PII redaction applied to every logged string.
package logging

import (
	"regexp"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the zap logger for the given environment. Production gets
// sampled JSON output; everything else gets the development console.
func New(env string) (*zap.Logger, error) {
	if env == "production" {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return cfg.Build()
	}
	return zap.NewDevelopment()
}

// Patterns for values that must never reach a log line or client response.
var (
	reEmail = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	// Indonesian mobile numbers, with or without country code.
	rePhone = regexp.MustCompile(`(\+62|62|0)8[0-9]{7,11}`)
	// Card / bank account / NIK: long digit runs.
	reDigits = regexp.MustCompile(`\b[0-9]{10,19}\b`)
	reJWT    = regexp.MustCompile(`eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`)
)

// Redact masks email, phone, card/account/NIK numbers and JWTs in s.
func Redact(s string) string {
	s = reJWT.ReplaceAllString(s, "[REDACTED_TOKEN]")
	s = reEmail.ReplaceAllString(s, "[REDACTED_EMAIL]")
	s = rePhone.ReplaceAllString(s, "[REDACTED_PHONE]")
	s = reDigits.ReplaceAllString(s, "[REDACTED_NUMBER]")
	return s
}

// RedactedString is a zap field whose value passes through Redact.
func RedactedString(key, value string) zap.Field {
	return zap.String(key, Redact(value))
}
