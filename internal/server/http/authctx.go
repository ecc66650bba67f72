package httpserver

import (
	"context"

	"github.com/gofrs/uuid/v5"
)

type ctxKey string

const subjectKey ctxKey = "capvault.subject"

// WithSubject stores the authenticated subject in context.
func WithSubject(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, subjectKey, id)
}

// SubjectFromCtx fetches the authenticated subject from context.
func SubjectFromCtx(ctx context.Context) (uuid.UUID, bool) {
	v := ctx.Value(subjectKey)
	if v == nil {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}
