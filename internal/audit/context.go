package audit

import (
	"context"
	"strings"
)

type ctxKey string

const (
	requestIDKey  ctxKey = "audit_request_id"
	sourceAddrKey ctxKey = "audit_source_addr"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithSourceAddr records the client address that triggered the request.
func WithSourceAddr(ctx context.Context, addr string) context.Context {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ctx
	}
	return context.WithValue(ctx, sourceAddrKey, addr)
}

// SourceAddrFromContext returns the client address, if any.
func SourceAddrFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(sourceAddrKey).(string); ok {
		return v
	}
	return ""
}
