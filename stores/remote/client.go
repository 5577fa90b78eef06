// Package remote implements DocumentStore and LockStore against a markup
// server's /api/v2 routes.
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
	"strings"
	"time"

	"github.com/nppfnppf20/markup/core"
	"github.com/sirupsen/logrus"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithToken sends the bearer token on every request.
func WithToken(token string) Option {
	return func(cl *Client) { cl.token = token }
}

// NewClient returns a client for the server at baseURL, e.g.
// "http://localhost:3002".
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/") + "/api/v2",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type errorBody struct {
	Error   string `json:"error"`
	Version int64  `json:"version"`
}

// statusError carries a non-2xx response.
type statusError struct {
	code int
	body errorBody
}

func (e *statusError) Error() string {
	if e.body.Error != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.code, e.body.Error)
	}
	return fmt.Sprintf("unexpected status %d", e.code)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &statusError{code: resp.StatusCode}
		json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&se.body)
		return se
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// classify maps a failed call onto the store error contract.
func classify(op, docID string, baseVersion int64, err error) error {
	var se *statusError
	if errors.As(err, &se) {
		switch se.code {
		case http.StatusNotFound:
			return core.NotFoundError(docID)
		case http.StatusConflict:
			return &core.ConflictError{DocumentID: docID, BaseVersion: baseVersion, CurrentVersion: se.body.Version}
		}
	}
	logrus.WithFields(logrus.Fields{"document_id": docID, "op": op}).WithError(err).Debug("Remote call failed")
	return &core.TransportError{Op: op, Err: err}
}

func documentPath(docID string) string {
	return "/documents/" + url.PathEscape(docID)
}

func lockPath(docID string) string {
	return "/locks/" + url.PathEscape(docID)
}

func (c *Client) GetDocument(ctx context.Context, docID string) (*core.Document, error) {
	var doc core.Document
	if err := c.do(ctx, http.MethodGet, documentPath(docID), nil, &doc); err != nil {
		return nil, classify("get document", docID, 0, err)
	}
	return &doc, nil
}

func (c *Client) SaveDocument(ctx context.Context, docID string, doc *core.Document, baseVersion int64) (int64, error) {
	req := struct {
		Document    *core.Document `json:"document"`
		BaseVersion int64          `json:"baseVersion"`
	}{doc, baseVersion}
	var resp struct {
		Version int64 `json:"version"`
	}
	if err := c.do(ctx, http.MethodPut, documentPath(docID), req, &resp); err != nil {
		return 0, classify("save document", docID, baseVersion, err)
	}
	return resp.Version, nil
}

func (c *Client) ListVersions(ctx context.Context, docID string) ([]*core.VersionSnapshot, error) {
	versions := []*core.VersionSnapshot{}
	if err := c.do(ctx, http.MethodGet, documentPath(docID)+"/versions", nil, &versions); err != nil {
		return nil, classify("list versions", docID, 0, err)
	}
	return versions, nil
}

func (c *Client) SaveVersion(ctx context.Context, docID string, snapshot *core.VersionSnapshot) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, documentPath(docID)+"/versions", snapshot, &resp); err != nil {
		return "", classify("save version", docID, 0, err)
	}
	return resp.ID, nil
}

type holderRequest struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
}

func (c *Client) Acquire(ctx context.Context, docID string, holder core.LockHolder) (*core.LockResult, error) {
	var res core.LockResult
	if err := c.do(ctx, http.MethodPost, lockPath(docID)+"/acquire", holderRequest{holder.UserID, holder.Name}, &res); err != nil {
		return nil, classify("acquire lock", docID, 0, err)
	}
	return &res, nil
}

func (c *Client) ownerOp(ctx context.Context, op, docID, userID string) (bool, error) {
	var resp struct {
		OK bool `json:"ok"`
	}
	if err := c.do(ctx, http.MethodPost, lockPath(docID)+"/"+op, holderRequest{UserID: userID}, &resp); err != nil {
		return false, classify(op+" lock", docID, 0, err)
	}
	return resp.OK, nil
}

func (c *Client) Renew(ctx context.Context, docID, userID string) (bool, error) {
	return c.ownerOp(ctx, "renew", docID, userID)
}

func (c *Client) Release(ctx context.Context, docID, userID string) (bool, error) {
	return c.ownerOp(ctx, "release", docID, userID)
}

func (c *Client) Get(ctx context.Context, docID string) (*core.LockStatus, error) {
	var status core.LockStatus
	if err := c.do(ctx, http.MethodGet, lockPath(docID), nil, &status); err != nil {
		return nil, classify("get lock", docID, 0, err)
	}
	return &status, nil
}
