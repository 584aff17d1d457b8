// Package remote is the HTTP client for the record store backing the
// console. The store is treated as opaque: collection metadata reads and
// conditional writes, record listings, and the history feed are the only
// primitives the rest of the service builds on.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrPreconditionFailed is returned when a conditional write loses against a
// concurrent modification (HTTP 412).
var ErrPreconditionFailed = errors.New("remote: precondition failed")

// APIError is a non-2xx response from the store.
type APIError struct {
	StatusCode int    `json:"code"`
	ErrorName  string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote: %d %s: %s", e.StatusCode, e.ErrorName, e.Message)
}

// Client talks to one record store server on behalf of one user.
type Client struct {
	httpClient *http.Client
	baseURL    string
	authHeader string
}

// NewClient creates a client for the given server root. authHeader is sent
// verbatim as the Authorization header on every request.
func NewClient(baseURL string, authHeader string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		authHeader: authHeader,
	}
}

// BaseURL returns the server root this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ServerInfo fetches the root endpoint: server capabilities plus the
// authenticated user's id and principals.
func (c *Client) ServerInfo(ctx context.Context) (ServerInfo, error) {
	var info ServerInfo
	if err := c.do(ctx, http.MethodGet, "/", nil, "", &info); err != nil {
		return ServerInfo{}, err
	}
	return info, nil
}

// GetCollection fetches a collection's metadata.
func (c *Client) GetCollection(ctx context.Context, bucket, collection string) (Collection, error) {
	var body struct {
		Data Collection `json:"data"`
	}
	path := fmt.Sprintf("/buckets/%s/collections/%s", bucket, collection)
	if err := c.do(ctx, http.MethodGet, path, nil, "", &body); err != nil {
		return Collection{}, err
	}
	return body.Data, nil
}

// PatchCollection applies a partial update to a collection's metadata,
// conditional on the metadata not having moved past ifUnmodifiedSince.
// Returns ErrPreconditionFailed if another writer got there first.
func (c *Client) PatchCollection(ctx context.Context, bucket, collection string, patch map[string]any, ifUnmodifiedSince int64) (Collection, error) {
	payload, err := json.Marshal(map[string]any{"data": patch})
	if err != nil {
		return Collection{}, fmt.Errorf("marshal patch: %w", err)
	}
	var body struct {
		Data Collection `json:"data"`
	}
	path := fmt.Sprintf("/buckets/%s/collections/%s", bucket, collection)
	etag := fmt.Sprintf("%q", strconv.FormatInt(ifUnmodifiedSince, 10))
	if err := c.do(ctx, http.MethodPatch, path, payload, etag, &body); err != nil {
		return Collection{}, err
	}
	return body.Data, nil
}

// ListRecords fetches the records of a collection. With opts.Since set, the
// listing includes deletion tombstones for records removed after that
// timestamp.
func (c *Client) ListRecords(ctx context.Context, bucket, collection string, opts ListOptions) ([]Record, error) {
	var body struct {
		Data []Record `json:"data"`
	}
	path := fmt.Sprintf("/buckets/%s/collections/%s/records", bucket, collection)
	query := url.Values{}
	if opts.Since > 0 {
		query.Set("_since", strconv.FormatInt(opts.Since, 10))
	}
	if len(opts.Fields) > 0 {
		query.Set("_fields", strings.Join(opts.Fields, ","))
	}
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	if err := c.do(ctx, http.MethodGet, path, nil, "", &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// RecordsTimestamp returns the collection's records timestamp, a token
// bumped only when record content changes. Nil means the collection has no
// records yet.
func (c *Client) RecordsTimestamp(ctx context.Context, bucket, collection string) (*int64, error) {
	path := fmt.Sprintf("/buckets/%s/collections/%s/records", bucket, collection)
	req, err := c.newRequest(ctx, http.MethodHead, path, nil, "")
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("records timestamp: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}
	etag := strings.Trim(resp.Header.Get("ETag"), `"`)
	if etag == "" {
		return nil, nil
	}
	ts, err := strconv.ParseInt(etag, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse records etag %q: %w", etag, err)
	}
	return &ts, nil
}

// ListPermissions fetches the resources the user holds permissions on.
func (c *Client) ListPermissions(ctx context.Context) ([]PermissionEntry, error) {
	var body struct {
		Data []PermissionEntry `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/permissions", nil, "", &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// ListHistory fetches a bucket's history feed, newest first.
func (c *Client) ListHistory(ctx context.Context, bucket string, limit int) ([]HistoryEntry, error) {
	var body struct {
		Data []HistoryEntry `json:"data"`
	}
	path := fmt.Sprintf("/buckets/%s/history?_sort=-last_modified", bucket)
	if limit > 0 {
		path += "&_limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, "", &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload []byte, ifMatch string) (*http.Request, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, ifMatch string, out any) error {
	req, err := c.newRequest(ctx, method, path, payload, ifMatch)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPreconditionFailed {
		return ErrPreconditionFailed
	}
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, ErrorName: http.StatusText(resp.StatusCode)}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err == nil && len(raw) > 0 {
		_ = json.Unmarshal(raw, apiErr)
	}
	return apiErr
}
