package clickhouse

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"
)

// RequestRow is one row of the requests table as returned by the native
// protocol. headers and query_params are stored as JSON strings.
type RequestRow struct {
	EndpointID  string    `ch:"endpoint_id"`
	Slug        string    `ch:"slug"`
	UserID      string    `ch:"user_id"`
	Method      string    `ch:"method"`
	Path        string    `ch:"path"`
	Headers     string    `ch:"headers"`
	Body        string    `ch:"body"`
	QueryParams string    `ch:"query_params"`
	IP          string    `ch:"ip"`
	ContentType string    `ch:"content_type"`
	Size        uint32    `ch:"size"`
	IsEphemeral bool      `ch:"is_ephemeral"`
	ReceivedAt  time.Time `ch:"received_at"`
}

// SearchResult is the JSON shape served by GET /search.
type SearchResult struct {
	ID          string            `json:"id"`
	Slug        string            `json:"slug"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Headers     map[string]string `json:"headers"`
	Body        *string           `json:"body"`
	QueryParams map[string]string `json:"queryParams"`
	ContentType *string           `json:"contentType"`
	IP          string            `json:"ip"`
	Size        uint32            `json:"size"`
	ReceivedAt  int64             `json:"receivedAt"`
}

// ToSearchResult converts a row to its API shape. The synthetic ID is
// slug:receivedAtMs:hash16 where the hash over body, path, and IP
// disambiguates rows captured in the same millisecond.
func (r *RequestRow) ToSearchResult() SearchResult {
	var headers map[string]string
	_ = json.Unmarshal([]byte(r.Headers), &headers)
	if headers == nil {
		headers = map[string]string{}
	}
	var queryParams map[string]string
	_ = json.Unmarshal([]byte(r.QueryParams), &queryParams)
	if queryParams == nil {
		queryParams = map[string]string{}
	}

	var body *string
	if r.Body != "" {
		b := r.Body
		body = &b
	}
	var contentType *string
	if r.ContentType != "" {
		ct := r.ContentType
		contentType = &ct
	}

	receivedAt := r.ReceivedAt.UnixMilli()
	id := fmt.Sprintf("%s:%d:%04x", r.Slug, receivedAt, rowHash(r.Body, r.Path, r.IP))

	return SearchResult{
		ID:          id,
		Slug:        r.Slug,
		Method:      r.Method,
		Path:        r.Path,
		Headers:     headers,
		Body:        body,
		QueryParams: queryParams,
		ContentType: contentType,
		IP:          r.IP,
		Size:        r.Size,
		ReceivedAt:  receivedAt,
	}
}

func rowHash(body, path, ip string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(body))
	_, _ = h.Write([]byte(path))
	_, _ = h.Write([]byte(ip))
	return h.Sum64() & 0xFFFF
}

// EpochMSLiteral renders epoch milliseconds as a "secs.mmm" decimal for
// toDateTime64 literals. Integer arithmetic only: float formatting would
// round large timestamps.
func EpochMSLiteral(ms int64) string {
	sign := ""
	if ms < 0 {
		sign = "-"
		ms = -ms
	}
	return fmt.Sprintf("%s%d.%03d", sign, ms/1000, ms%1000)
}
