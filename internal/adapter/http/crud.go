package http

import (
	"context"
	"net/http"
)

// Handler factories for routes keyed by a subject id.

type (
	subjectGetter[T any]   func(ctx context.Context, subjectID string) (*T, error)
	subjectLister[T any]   func(ctx context.Context, subjectID string, limit int) ([]T, error)
	subjectAction[Req any] func(ctx context.Context, subjectID string, req Req) error
)

// getSubject serves one value for the subject; nil is a 404.
func getSubject[T any](get subjectGetter[T], notFound string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subjectID, ok := subjectParam(w, r)
		if !ok {
			return
		}
		v, err := get(r.Context(), subjectID)
		switch {
		case err != nil:
			writeDomainError(w, err, notFound)
		case v == nil:
			writeError(w, http.StatusNotFound, notFound)
		default:
			writeJSON(w, http.StatusOK, v)
		}
	}
}

// listSubject serves the subject's items bounded by ?limit=. An empty
// result is encoded as [] rather than null.
func listSubject[T any](list subjectLister[T], notFound string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subjectID, ok := subjectParam(w, r)
		if !ok {
			return
		}
		limit, ok := queryInt(w, r, "limit", 0)
		if !ok {
			return
		}
		items, err := list(r.Context(), subjectID, limit)
		if err != nil {
			writeDomainError(w, err, notFound)
			return
		}
		if items == nil {
			items = []T{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

// actOnSubject decodes a Req body and applies it to the subject, answering
// 202 on success.
func actOnSubject[Req any](act subjectAction[Req], notFound string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subjectID, ok := subjectParam(w, r)
		if !ok {
			return
		}
		req, ok := decodeBody[Req](w, r, maxRequestBodySize)
		if !ok {
			return
		}
		if err := act(r.Context(), subjectID, req); err != nil {
			writeDomainError(w, err, notFound)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "subject_id": subjectID})
	}
}
