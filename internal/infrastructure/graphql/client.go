// Package graphql talks to a Hasura-style GraphQL data platform: queries and
// mutations over HTTP, live queries over graphql-transport-ws.
package graphql

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const adminSecretHeader = "x-hasura-admin-secret"

// Config configures the GraphQL client.
type Config struct {
	URL             string
	WSURL           string
	AdminSecret     string
	IdempotencyKeys bool
	MaxBackoff      time.Duration
}

// Error carries the messages of a GraphQL errors array.
type Error struct {
	Operation string
	Messages  []string
	Codes     []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("graphql %s: %s", e.Operation, strings.Join(e.Messages, "; "))
}

// HasCode reports whether any error entry carries code in extensions.code.
func (e *Error) HasCode(code string) bool {
	for _, c := range e.Codes {
		if c == code {
			return true
		}
	}
	return false
}

// Client executes GraphQL operations.
type Client struct {
	http *resty.Client
	cfg  Config
	log  zerolog.Logger
}

// NewClient constructs the GraphQL client.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	httpClient := resty.New().
		SetHeader("Content-Type", "application/json")
	if cfg.AdminSecret != "" {
		httpClient.SetHeader(adminSecretHeader, cfg.AdminSecret)
	}

	return &Client{
		http: httpClient,
		cfg:  cfg,
		log:  log.With().Str("component", "graphql-client").Logger(),
	}
}

type request struct {
	OperationName string         `json:"operationName"`
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// Do runs one operation and returns its data object.
func (c *Client) Do(ctx context.Context, operation, query string, variables map[string]any) (gjson.Result, error) {
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(request{OperationName: operation, Query: query, Variables: variables}).
		Post(c.cfg.URL)

	event := c.log.Debug().Str("operation", operation).Dur("latency", time.Since(start))
	if err != nil {
		event.Err(err).Msg("graphql request failed")
		return gjson.Result{}, fmt.Errorf("graphql %s: %w", operation, err)
	}
	event.Int("status", resp.StatusCode()).Msg("graphql request")

	body := resp.Body()
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("graphql %s: invalid response (status %d): %s", operation, resp.StatusCode(), truncate(resp.String()))
	}

	parsed := gjson.ParseBytes(body)
	if errs := parsed.Get("errors"); errs.Exists() && len(errs.Array()) > 0 {
		gqlErr := &Error{Operation: operation}
		for _, e := range errs.Array() {
			gqlErr.Messages = append(gqlErr.Messages, e.Get("message").String())
			if code := e.Get("extensions.code").String(); code != "" {
				gqlErr.Codes = append(gqlErr.Codes, code)
			}
		}
		return gjson.Result{}, gqlErr
	}
	if resp.IsError() {
		return gjson.Result{}, fmt.Errorf("graphql %s: status %d: %s", operation, resp.StatusCode(), truncate(resp.String()))
	}

	return parsed.Get("data"), nil
}

// HealthCheck runs a trivial query against the endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.Do(ctx, "HealthCheck", "query HealthCheck { __typename }", nil)
	return err
}

func truncate(s string) string {
	const max = 256
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
