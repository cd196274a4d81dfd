package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// HTTPStatusError is returned when the remote end answers with a non-2xx status.
type HTTPStatusError struct {
	URL  string
	Code int
	Body string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.Code)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.Code, e.Body)
}

// PostJSON posts body as JSON to url and decodes the response into out
// (when out is non-nil). Headers are optional key/value pairs.
func PostJSON(ctx context.Context, url string, body any, out any, headers ...string) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	setHeaders(req, headers)
	return do(req, out)
}

// GetJSON issues a GET to url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any, headers ...string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	setHeaders(req, headers)
	return do(req, out)
}

// DeleteJSON issues a DELETE to url and decodes any JSON response into out.
func DeleteJSON(ctx context.Context, url string, out any, headers ...string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	setHeaders(req, headers)
	return do(req, out)
}

// Ping issues a GET to url and returns nil if the response status is 2xx.
// It is the building block for URL-polling health checks.
func Ping(ctx context.Context, client *http.Client, url string) error {
	return PingMatch(ctx, client, url, "")
}

// PingMatch is Ping that additionally requires want to appear in the
// first 4KB of the response body when want is non-empty.
func PingMatch(ctx context.Context, client *http.Client, url, want string) error {
	if client == nil {
		client = httpClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("ping request failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPStatusError{URL: url, Code: resp.StatusCode}
	}
	if want != "" && !bytes.Contains(body, []byte(want)) {
		return fmt.Errorf("ping %s: response does not contain %q", url, want)
	}
	return nil
}

func setHeaders(req *http.Request, kv []string) {
	for i := 0; i+1 < len(kv); i += 2 {
		req.Header.Set(kv[i], kv[i+1])
	}
}

func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &HTTPStatusError{URL: req.URL.String(), Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
