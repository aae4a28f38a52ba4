// Package telemetry provides request tagging for structured logging and
// OpenTelemetry metrics for the media index.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

// requestTagsKey is the context key for request tags holder.
const requestTagsKey contextKey = "request_tags"

// CacheResult represents the outcome of a metadata cache lookup.
type CacheResult string

const (
	CacheHit  CacheResult = "hit"
	CacheMiss CacheResult = "miss"
	CacheNA   CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	CacheResult CacheResult
	Endpoint    string
	RecordID    string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheNA}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext retrieves the request tags from a context, so code that
// only sees the request context can still annotate the request.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(ctx context.Context, result CacheResult) {
	if tags := TagsFromContext(ctx); tags != nil {
		tags.CacheResult = result
	}
}

// SetEndpoint sets the endpoint name for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetRecordID sets the record id the request acted on.
func SetRecordID(r *http.Request, id string) {
	if tags := GetTags(r); tags != nil {
		tags.RecordID = id
	}
}
