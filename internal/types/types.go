// Package types holds the wire types shared between the cache layer, the
// Convex client, and the request handlers.
package types

import "time"

// MockResponse defines the HTTP response to return for a captured webhook.
type MockResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// EndpointInfo holds endpoint configuration as returned by Convex and as
// cached under endpoint:{slug}.
type EndpointInfo struct {
	EndpointID   string        `json:"endpointId"`
	UserID       *string       `json:"userId"`
	IsEphemeral  bool          `json:"isEphemeral"`
	ExpiresAt    *int64        `json:"expiresAt"`
	MockResponse *MockResponse `json:"mockResponse"`
	Error        string        `json:"error,omitempty"`
}

// IsExpired reports whether the endpoint has an expiry in the past.
func (e *EndpointInfo) IsExpired() bool {
	return e.ExpiresAt != nil && *e.ExpiresAt < time.Now().UnixMilli()
}

// UserIDValue returns the owning user ID, or "" for ephemeral endpoints.
func (e *EndpointInfo) UserIDValue() string {
	if e.UserID == nil {
		return ""
	}
	return *e.UserID
}

// QuotaResponse is the JSON structure returned by Convex /quota.
type QuotaResponse struct {
	Error            string  `json:"error,omitempty"`
	UserID           string  `json:"userId"`
	Remaining        int64   `json:"remaining"`
	Limit            int64   `json:"limit"`
	PeriodEnd        *int64  `json:"periodEnd"`
	Plan             *string `json:"plan"`
	NeedsPeriodStart bool    `json:"needsPeriodStart"`
}

// CheckPeriodResponse is the JSON structure returned by Convex /check-period.
// A 429 response carries a valid body with error set to "quota_exceeded".
type CheckPeriodResponse struct {
	Error      string `json:"error,omitempty"`
	Remaining  int64  `json:"remaining"`
	Limit      int64  `json:"limit"`
	PeriodEnd  *int64 `json:"periodEnd"`
	RetryAfter *int64 `json:"retryAfter"`
}

// BufferedRequest is one captured request on the buffer:{slug} list, waiting
// for the flusher to drain it. Body is raw bytes so non-UTF-8 payloads
// survive the round trip through the buffer unchanged.
type BufferedRequest struct {
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Headers     map[string]string `json:"headers"`
	Body        []byte            `json:"body,omitempty"`
	QueryParams map[string]string `json:"queryParams"`
	IP          string            `json:"ip"`
	ReceivedAt  int64             `json:"receivedAt"`
}

// CaptureResponse contains the result from Convex after storing a batch.
type CaptureResponse struct {
	Success  bool   `json:"success,omitempty"`
	Error    string `json:"error,omitempty"`
	Inserted int    `json:"inserted,omitempty"`
}

// BatchPayload is the body of POST /capture-batch.
type BatchPayload struct {
	Slug     string            `json:"slug"`
	Requests []BufferedRequest `json:"requests"`
}
