package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/angelmondragon/mesa-payments/pkg/enums"
)

const maxResponseBody = 1 << 20

// JSONClient is the small REST helper shared by adapters whose providers
// have no Go SDK in use here.
type JSONClient struct {
	Gateway enums.GatewayType
	HTTP    *http.Client
}

// Do sends body as JSON and decodes a 2xx answer into out. It returns the
// raw response body so callers can keep the provider payload verbatim.
// Transport failures are Unreachable, non-2xx answers go through
// FromHTTPStatus.
func (c JSONClient) Do(ctx context.Context, op, method, url string, headers http.Header, body any, out any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, Unreachable(c.Gateway, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, Unreachable(c.Gateway, op, fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return raw, FromHTTPStatus(c.Gateway, op, resp.StatusCode, string(raw))
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, Unreachable(c.Gateway, op, fmt.Errorf("decode response: %w", err))
		}
	}
	return raw, nil
}
