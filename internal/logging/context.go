package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}
	if issueID := IssueIDFromContext(ctx); issueID != "" {
		fields = append(fields, zap.String("issue.id", issueID))
	}
	if slug := ProjectFromContext(ctx); slug != "" {
		fields = append(fields, zap.String("project.slug", slug))
	}
	return fields
}

type requestCtxKey struct{}
type issueCtxKey struct{}
type projectCtxKey struct{}
type loggerCtxKey struct{}

// WithRequestID adds the HTTP request id to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	r, _ := ctx.Value(requestCtxKey{}).(string)
	return r
}

// WithIssueID tags the context with the issue being processed.
func WithIssueID(ctx context.Context, issueID string) context.Context {
	if issueID == "" {
		return ctx
	}
	return context.WithValue(ctx, issueCtxKey{}, issueID)
}

// IssueIDFromContext extracts the issue id from context.
func IssueIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(issueCtxKey{}).(string)
	return s
}

// WithProject tags the context with a project slug.
func WithProject(ctx context.Context, slug string) context.Context {
	if slug == "" {
		return ctx
	}
	return context.WithValue(ctx, projectCtxKey{}, slug)
}

// ProjectFromContext extracts the project slug from context.
func ProjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(projectCtxKey{}).(string)
	return s
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if none is stored.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
