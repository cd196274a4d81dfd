package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/dreamware/conductor/internal/cluster"
)

// client calls the engine REST API.
type client struct {
	base  string
	token string
}

func newClient() *client {
	return &client{base: strings.TrimRight(serverURL, "/"), token: apiToken}
}

func (c *client) headers() []string {
	if c.token == "" {
		return nil
	}
	return []string{"Authorization", "Bearer " + c.token}
}

func (c *client) url(path string, query url.Values) string {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *client) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	var out json.RawMessage
	err := cluster.GetJSON(ctx, c.url(path, query), &out, c.headers()...)
	return out, apiError(err)
}

func (c *client) post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	var out json.RawMessage
	err := cluster.PostJSON(ctx, c.url(path, nil), body, &out, c.headers()...)
	return out, apiError(err)
}

func (c *client) delete(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	var out json.RawMessage
	err := cluster.DeleteJSON(ctx, c.url(path, query), &out, c.headers()...)
	return out, apiError(err)
}

// apiError turns an API error body into a readable message.
func apiError(err error) error {
	var se *cluster.HTTPStatusError
	if !errors.As(err, &se) {
		return err
	}
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal([]byte(se.Body), &body) != nil || body.Error == "" {
		return err
	}
	return fmt.Errorf("%s (%d %s)", body.Error, se.Code, body.Code)
}

// render writes an API response, indented unless --raw is set.
func render(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	if outputRaw {
		_, err := fmt.Fprintln(w, string(raw))
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
