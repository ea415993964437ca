package authz

import (
	"context"
	"net/http"
)

type contextKey string

const (
	ownerIDKey contextKey = "owner_id"
	jobIDKey   contextKey = "job_id"
)

// WithOwner stores the authenticated owner on the context.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	if ownerID != "" {
		ctx = context.WithValue(ctx, ownerIDKey, ownerID)
	}
	return ctx
}

// WithJob stores the job identity a webhook token was issued for.
func WithJob(ctx context.Context, jobID string) context.Context {
	if jobID != "" {
		ctx = context.WithValue(ctx, jobIDKey, jobID)
	}
	return ctx
}

func OwnerIDFromRequest(r *http.Request) (string, bool) {
	oid, ok := r.Context().Value(ownerIDKey).(string)
	if !ok || oid == "" {
		return "", false
	}
	return oid, true
}

func JobIDFromRequest(r *http.Request) (string, bool) {
	jid, ok := r.Context().Value(jobIDKey).(string)
	if !ok || jid == "" {
		return "", false
	}
	return jid, true
}
