// Package client talks to the loadforge HTTP API on behalf of one user.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/loadforge/loadforge/modules/loadtest/presentation/controllers/dtos"
	"github.com/loadforge/loadforge/modules/loadtest/services"
	"github.com/loadforge/loadforge/pkg/httpapi"
)

// maxPhaseIDs mirrors the server side cap of the latest phases query.
const maxPhaseIDs = 100

// APIError is a non-2xx response carrying the standard error envelope.
type APIError struct {
	Status int
	httpapi.ErrorEnvelope
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

type Client struct {
	baseURL    string
	userID     string
	userHeader string
	http       *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithUserHeader overrides the header the identity is sent in.
func WithUserHeader(header string) Option {
	return func(cl *Client) {
		cl.userHeader = header
	}
}

func New(baseURL, userID string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userID:     userID,
		userHeader: "X-User-ID",
		http:       &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if c.userID != "" {
		req.Header.Set(c.userHeader, c.userID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &apiErr.ErrorEnvelope); err != nil || apiErr.Code == "" {
		apiErr.Code = httpapi.CodeInternal
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s %s", method, path)
	}
	return nil
}

// Start submits a new test and returns its id.
func (c *Client) Start(ctx context.Context, in *services.StartInput) (string, error) {
	var out dtos.StartTestResponse
	if err := c.do(ctx, http.MethodPost, "/api/loadtests", nil, in, &out); err != nil {
		return "", err
	}
	return out.TestID, nil
}

func (c *Client) RunningTests(ctx context.Context) ([]dtos.RunningTestResponse, error) {
	var out []dtos.RunningTestResponse
	if err := c.do(ctx, http.MethodGet, "/api/loadtests/running", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LatestPhases batches ids into requests the server accepts.
func (c *Client) LatestPhases(ctx context.Context, ids []string) ([]dtos.LatestPhaseResponse, error) {
	var out []dtos.LatestPhaseResponse
	for start := 0; start < len(ids); start += maxPhaseIDs {
		end := min(start+maxPhaseIDs, len(ids))
		var batch []dtos.LatestPhaseResponse
		query := url.Values{"ids": {strings.Join(ids[start:end], ",")}}
		if err := c.do(ctx, http.MethodGet, "/api/loadtests/phases/latest", query, nil, &batch); err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (c *Client) TestName(ctx context.Context, testID string) (dtos.TestNameResponse, error) {
	var out dtos.TestNameResponse
	err := c.do(ctx, http.MethodGet, "/api/loadtests/"+url.PathEscape(testID)+"/name", nil, nil, &out)
	return out, err
}

func (c *Client) Results(ctx context.Context, testID string) (dtos.ResultResponse, error) {
	var out dtos.ResultResponse
	err := c.do(ctx, http.MethodGet, "/api/loadtests/"+url.PathEscape(testID)+"/results", nil, nil, &out)
	return out, err
}

func (c *Client) Overview(ctx context.Context) (dtos.OverviewResponse, error) {
	var out dtos.OverviewResponse
	err := c.do(ctx, http.MethodGet, "/api/dashboard/overview", nil, nil, &out)
	return out, err
}
