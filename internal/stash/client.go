package stash

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"stashmirror/internal/db"
	"stashmirror/internal/telemetry"
)

const userAgent = "stashmirror/1.0"

// Kind categorizes upstream errors.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindCanceled    Kind = "canceled"
	KindRateLimited Kind = "rate_limited"
	KindServer      Kind = "server_error"
	KindClient      Kind = "client_error"
	KindMalformed   Kind = "malformed_response"
)

// Error is a normalized upstream API error.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "stash error"
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the next scheduled sync pass may succeed
// without operator intervention.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindRateLimited, KindServer:
		return true
	}
	return false
}

// sleep and randDuration are variables so tests can stub out real waiting.
var sleep = time.Sleep

var randDuration = func(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// Config identifies one upstream server.
type Config struct {
	InstanceID string
	Endpoint   string // base URL, e.g. http://stash:9999
	APIKey     string
}

// Client wraps GraphQL access to one upstream catalog server.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
	sf      singleflight.Group
}

// New returns a Client with a tuned transport, a per-instance rate limiter
// and a circuit breaker so a down server cannot stall a whole sync pass.
func New(cfg Config) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = 5 * time.Second
	transport.ResponseHeaderTimeout = 15 * time.Second
	transport.MaxIdleConnsPerHost = 10
	transport.MaxConnsPerHost = 10
	transport.IdleConnTimeout = 90 * time.Second

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    "stash-" + cfg.InstanceID,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 60 * time.Second, Transport: transport},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		breaker: breaker,
	}
}

// InstanceID returns the instance this client talks to.
func (c *Client) InstanceID() string { return c.cfg.InstanceID }

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// do executes one GraphQL request with rate limiting, circuit breaking and
// bounded retry, and returns the raw value of the requested data field.
func (c *Client) do(ctx context.Context, query string, variables map[string]any, field string) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Kind: KindCanceled, Err: err}
	}
	body, err := json.Marshal(gqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, err
	}

	raw, err := c.breaker.Execute(func() ([]byte, error) {
		return c.post(ctx, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &Error{Kind: KindServer, Message: "upstream circuit open", Err: err}
		}
		return nil, err
	}

	var resp gqlResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &Error{Kind: KindMalformed, Message: "invalid graphql response", Err: err}
	}
	if len(resp.Errors) > 0 {
		return nil, &Error{Kind: KindClient, Message: resp.Errors[0].Message}
	}
	data, ok := resp.Data[field]
	if !ok || len(data) == 0 || string(data) == "null" {
		return nil, &Error{Kind: KindMalformed, Message: fmt.Sprintf("missing %s in response", field)}
	}
	return data, nil
}

// post sends the request with up to three attempts on 429/5xx.
func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	endpoint := c.cfg.Endpoint + "/graphql"
	var resp *http.Response
	var dur time.Duration
	for i := 0; i < 3; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", userAgent)
		if c.cfg.APIKey != "" {
			req.Header.Set("ApiKey", c.cfg.APIKey)
		}

		start := time.Now()
		resp, err = c.http.Do(req)
		dur = time.Since(start)
		if err != nil {
			kind := KindClient
			switch {
			case errors.Is(err, context.Canceled):
				kind = KindCanceled
			case errors.Is(err, context.DeadlineExceeded):
				kind = KindTimeout
			default:
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					kind = KindTimeout
				}
			}
			telemetry.Event("stash_request", map[string]string{
				"instance_id": c.cfg.InstanceID,
				"status":      "error",
				"kind":        string(kind),
				"duration_ms": strconv.FormatInt(dur.Milliseconds(), 10),
				"attempt":     strconv.Itoa(i + 1),
			})
			return nil, &Error{Kind: kind, Err: err}
		}
		telemetry.Event("stash_request", map[string]string{
			"instance_id": c.cfg.InstanceID,
			"status":      strconv.Itoa(resp.StatusCode),
			"duration_ms": strconv.FormatInt(dur.Milliseconds(), 10),
			"attempt":     strconv.Itoa(i + 1),
		})
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			delay := time.Duration(1<<i) * 250 * time.Millisecond
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, err := strconv.Atoi(ra); err == nil {
					if d := time.Duration(secs) * time.Second; d > delay {
						delay = d
					}
				}
			}
			resp.Body.Close()
			sleep(delay + randDuration(delay))
			continue
		}
		break
	}
	if resp == nil {
		return nil, &Error{Kind: KindServer, Message: "no response"}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := KindClient
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			kind = KindRateLimited
		case resp.StatusCode >= 500:
			kind = KindServer
		}
		return nil, &Error{Kind: kind, Status: resp.StatusCode, Message: resp.Status}
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindClient, Err: err}
	}
	return b, nil
}

// Version probes the server, for test-connection and health checks.
// Concurrent probes against the same client collapse into one request.
func (c *Client) Version(ctx context.Context) (string, error) {
	v, err, _ := c.sf.Do("version", func() (interface{}, error) {
		data, err := c.do(ctx, `query Version { version { version } }`, nil, "version")
		if err != nil {
			return "", err
		}
		var out struct {
			Version string `json:"version"`
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return "", &Error{Kind: KindMalformed, Err: err}
		}
		return out.Version, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// FindIDs fetches one page of entity ids, for deletion detection. Only ids
// travel over the wire so cleanup memory stays bounded on large libraries.
func (c *Client) FindIDs(ctx context.Context, t db.EntityType, page, perPage int) ([]string, int, error) {
	spec, err := querySpec(t)
	if err != nil {
		return nil, 0, err
	}
	data, err := c.do(ctx, spec.idsQuery, map[string]any{"page": page, "per_page": perPage}, spec.field)
	if err != nil {
		return nil, 0, err
	}
	count, records, err := splitResult(data, spec.records)
	if err != nil {
		return nil, 0, err
	}
	ids := make([]string, 0, len(records))
	for _, r := range records {
		var row struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(r, &row); err != nil {
			return nil, 0, &Error{Kind: KindMalformed, Err: err}
		}
		ids = append(ids, row.ID)
	}
	return ids, count, nil
}

// FindUpdatedSince fetches one page of full records changed since the cutoff.
// A zero-value cutoff fetches everything.
func (c *Client) FindUpdatedSince(ctx context.Context, t db.EntityType, since string, page, perPage int) ([]json.RawMessage, int, error) {
	spec, err := querySpec(t)
	if err != nil {
		return nil, 0, err
	}
	query := spec.changedQuery
	vars := map[string]any{"page": page, "per_page": perPage, "since": since}
	if since == "" {
		query = spec.allQuery
		delete(vars, "since")
	}
	data, err := c.do(ctx, query, vars, spec.field)
	if err != nil {
		return nil, 0, err
	}
	count, records, err := splitResult(data, spec.records)
	if err != nil {
		return nil, 0, err
	}
	return records, count, nil
}

// splitResult pulls the count and record list out of a find* result object.
// A missing count field marks the response malformed; callers treat that the
// same as an API failure so it can never trigger a mass soft-delete.
func splitResult(data json.RawMessage, recordsField string) (int, []json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return 0, nil, &Error{Kind: KindMalformed, Err: err}
	}
	rawCount, ok := obj["count"]
	if !ok {
		return 0, nil, &Error{Kind: KindMalformed, Message: "missing count field"}
	}
	var count int
	if err := json.Unmarshal(rawCount, &count); err != nil {
		return 0, nil, &Error{Kind: KindMalformed, Message: "invalid count field", Err: err}
	}
	var records []json.RawMessage
	if raw, ok := obj[recordsField]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &records); err != nil {
			return 0, nil, &Error{Kind: KindMalformed, Err: err}
		}
	}
	return count, records, nil
}
