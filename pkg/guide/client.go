package guide

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Client talks to one AI-guide deployment. The embedded http.Client carries
// no global timeout: streams stay open as long as tokens arrive, and every
// request is bounded by its caller's context instead.
type Client struct {
	baseURL    string
	debug      bool
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

// NewDebugClient requests the server's debug meta block on every call.
func NewDebugClient(baseURL string) *Client {
	c := NewClient(baseURL)
	c.debug = true
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) endpoint(path string) string {
	url := c.baseURL + path
	if c.debug {
		url += "?debug=1"
	}
	return url
}

// Chat performs one non-streaming request/response cycle against the
// fallback endpoint. A non-2xx status surfaces the server's detail message
// in the returned error.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/chat"), bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, readDetail(resp.Body))
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &chatResp, nil
}

// readDetail extracts the {"detail": ...} message from an error response,
// falling back to the raw body.
func readDetail(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(raw) == 0 {
		return "no error detail"
	}

	var errResp struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(raw, &errResp) == nil && errResp.Detail != "" {
		return errResp.Detail
	}
	return string(raw)
}
