package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client calls the reasoning service over HTTP: one POST per stage to
// {baseURL}/v1/stages/{stage}.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client. timeout bounds a single HTTP exchange; the
// orchestrator's per-stage context usually expires first.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Run implements Engine.
func (c *Client) Run(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.post(ctx, "/v1/stages/"+string(req.Stage), req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &Error{Code: "UNAVAILABLE", Message: "read response: " + err.Error(), Recoverable: true}
	}
	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", req.Stage, err)
	}
	return &out, nil
}

// streamFrame is one line of a streamed stage: a chunk, the final response,
// or an error.
type streamFrame struct {
	Chunk    string    `json:"chunk,omitempty"`
	Response *Response `json:"response,omitempty"`
	Error    *Error    `json:"error,omitempty"`
}

// Stream implements Streamer. The service answers
// {baseURL}/v1/stages/{stage}/stream with newline-delimited JSON frames.
func (c *Client) Stream(ctx context.Context, req *Request, emit func(chunk string)) (*Response, error) {
	resp, err := c.post(ctx, "/v1/stages/"+string(req.Stage)+"/stream", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), 8<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var f streamFrame
		if err := json.Unmarshal(line, &f); err != nil {
			return nil, fmt.Errorf("decode %s frame: %w", req.Stage, err)
		}
		switch {
		case f.Error != nil:
			return nil, f.Error
		case f.Response != nil:
			return f.Response, nil
		case f.Chunk != "":
			emit(f.Chunk)
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Code: "UNAVAILABLE", Message: "read stream: " + err.Error(), Recoverable: true}
	}
	return nil, &Error{Code: "UNAVAILABLE", Message: "stream ended without a response", Recoverable: true}
}

// post sends body as JSON and returns the response when its status is 2xx.
// Other statuses are turned into *Error.
func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Code: "UNAVAILABLE", Message: err.Error(), Recoverable: true}
	}
	if resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var ee Error
	if err := json.Unmarshal(msg, &ee); err != nil || ee.Message == "" {
		ee = Error{
			Code:    http.StatusText(resp.StatusCode),
			Message: strings.TrimSpace(string(msg)),
		}
		ee.Recoverable = resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	}
	if ee.Code == "" {
		ee.Code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
	}
	return nil, &ee
}
