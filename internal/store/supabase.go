package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// SupabaseRows implements Rows against a Supabase project's PostgREST API.
type SupabaseRows struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewSupabaseRows creates a client authenticated with the given API key.
// Backend processes use the service role key.
func NewSupabaseRows(baseURL, apiKey string) *SupabaseRows {
	return &SupabaseRows{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *SupabaseRows) Query(ctx context.Context, table string, q Query) ([]Row, error) {
	if err := checkQuery(table, q); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("select", "*")
	addFilters(params, q.Where)
	if len(q.AnyOf) > 0 {
		params.Set("or", orGroup(q.AnyOf))
	}
	if q.OrderBy != "" {
		direction := "asc"
		if q.Descending {
			direction = "desc"
		}
		params.Set("order", q.OrderBy+"."+direction)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	return c.doRequest(ctx, http.MethodGet, table, params, nil)
}

func (c *SupabaseRows) Insert(ctx context.Context, table string, row Row) (Row, error) {
	if err := checkRow(table, row); err != nil {
		return nil, err
	}
	if len(row) == 0 {
		return nil, ErrEmptyInsertRow
	}
	rows, err := c.doRequest(ctx, http.MethodPost, table, nil, row)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("insert %s: no row returned", table)
	}
	return rows[0], nil
}

func (c *SupabaseRows) Update(ctx context.Context, table string, where []Filter, patch Row) ([]Row, error) {
	if err := checkRow(table, patch); err != nil {
		return nil, err
	}
	if err := checkFilters(table, where); err != nil {
		return nil, err
	}
	if len(where) == 0 {
		return nil, ErrUnfiltered
	}
	params := url.Values{}
	addFilters(params, where)
	return c.doRequest(ctx, http.MethodPatch, table, params, patch)
}

// doRequest executes an HTTP request to the Supabase REST API and decodes the
// returned representation.
func (c *SupabaseRows) doRequest(ctx context.Context, method, table string, params url.Values, body any) ([]Row, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	endpoint := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, table)
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("supabase error (status %d): %s", resp.StatusCode, string(respBody))
	}

	rows := []Row{}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return rows, nil
	}
	if err := json.Unmarshal(respBody, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse %s rows: %w", table, err)
	}
	return rows, nil
}

func addFilters(params url.Values, filters []Filter) {
	for _, f := range filters {
		params.Add(f.Column, filterExpr(f))
	}
}

func filterExpr(f Filter) string {
	if f.Value == nil {
		if f.Op == OpNeq {
			return "not.is.null"
		}
		return "is.null"
	}
	return string(f.Op) + "." + formatValue(f.Value)
}

// orGroup renders filters as a PostgREST or=(...) expression. Values with
// reserved characters are double-quoted.
func orGroup(filters []Filter) string {
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		var expr string
		switch {
		case f.Value == nil && f.Op == OpNeq:
			expr = "not.is.null"
		case f.Value == nil:
			expr = "is.null"
		default:
			expr = string(f.Op) + "." + quoteReserved(formatValue(f.Value))
		}
		parts = append(parts, f.Column+"."+expr)
	}
	return "(" + strings.Join(parts, ",") + ")"
}

func quoteReserved(v string) string {
	if !strings.ContainsAny(v, ",.:()\" ") {
		return v
	}
	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}
