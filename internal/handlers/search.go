package handlers

import (
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"webhooks.cc/receiver/internal/clickhouse"
)

const (
	searchDefaultLimit = 50
	searchMaxLimit     = 200
	searchMaxOffset    = 10000
)

// searchParams are the validated query parameters of GET /search.
type searchParams struct {
	UserID string
	Slug   string
	Method string
	Q      string
	From   *int64
	To     *int64
	Limit  int
	Offset int
	Order  string
	Plan   string
}

// HandleSearch serves trusted full-text search over the request archive.
// Unlike the capture path, errors here surface as 5xx: the caller is the
// control plane and expects accuracy over availability.
func (a *App) HandleSearch(c *fiber.Ctx) error {
	if !a.authorized(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	if a.clickhouse == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "search not available"})
	}

	params, err := parseSearchParams(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	sql := buildSearchSQL(params, a.clickhouse.Database())
	results, err := a.clickhouse.QueryRequests(c.UserContext(), sql)
	if err != nil {
		log.Printf("Search query failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "search query failed"})
	}

	return c.JSON(results)
}

func parseSearchParams(c *fiber.Ctx) (*searchParams, error) {
	params := &searchParams{
		UserID: c.Query("user_id"),
		Slug:   c.Query("slug"),
		Method: c.Query("method"),
		Q:      c.Query("q"),
		Plan:   c.Query("plan"),
	}

	if params.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if params.Slug != "" && !isValidSlug(params.Slug) {
		return nil, fmt.Errorf("invalid slug")
	}

	switch params.Plan {
	case "", "free", "pro":
	default:
		return nil, fmt.Errorf("invalid plan")
	}

	for _, p := range []struct {
		name string
		dst  **int64
	}{{"from", &params.From}, {"to", &params.To}} {
		if v := c.Query(p.name); v != "" {
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid %s timestamp", p.name)
			}
			*p.dst = &ms
		}
	}

	params.Limit = searchDefaultLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid limit")
		}
		params.Limit = min(n, searchMaxLimit)
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid offset")
		}
		params.Offset = min(n, searchMaxOffset)
	}

	params.Order = "DESC"
	if strings.EqualFold(c.Query("order"), "asc") {
		params.Order = "ASC"
	}

	return params, nil
}

// escapeSQLString escapes a value for a ClickHouse single-quoted literal by
// doubling backslashes and escaping quotes.
func escapeSQLString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

// buildSearchSQL renders the archive query. All string values are escaped;
// timestamps are emitted with integer arithmetic so they round-trip at
// millisecond precision.
func buildSearchSQL(p *searchParams, database string) string {
	conditions := []string{
		fmt.Sprintf("user_id = '%s'", escapeSQLString(p.UserID)),
	}

	if p.Slug != "" {
		conditions = append(conditions, fmt.Sprintf("slug = '%s'", escapeSQLString(p.Slug)))
	}
	if p.Method != "" && p.Method != "ALL" {
		conditions = append(conditions, fmt.Sprintf("method = '%s'", escapeSQLString(p.Method)))
	}
	if p.Q != "" {
		q := escapeSQLString(p.Q)
		conditions = append(conditions, fmt.Sprintf(
			"(multiSearchAny(path, ['%s']) OR multiSearchAny(body, ['%s']) OR multiSearchAny(headers, ['%s']))",
			q, q, q))
	}
	if p.From != nil {
		conditions = append(conditions, fmt.Sprintf(
			"received_at >= toDateTime64(%s, 3, 'UTC')", clickhouse.EpochMSLiteral(*p.From)))
	}
	if p.To != nil {
		conditions = append(conditions, fmt.Sprintf(
			"received_at <= toDateTime64(%s, 3, 'UTC')", clickhouse.EpochMSLiteral(*p.To)))
	}
	if p.Plan == "free" {
		// Free-plan retention window.
		conditions = append(conditions, "received_at >= now() - INTERVAL 7 DAY")
	}

	return fmt.Sprintf(
		"SELECT endpoint_id, slug, user_id, method, path, headers, body, query_params, ip, content_type, size, is_ephemeral, received_at "+
			"FROM %s.requests WHERE %s ORDER BY received_at %s LIMIT %d OFFSET %d",
		database, strings.Join(conditions, " AND "), p.Order, p.Limit, p.Offset)
}
