// Package domainstore is the HTTP+JSON client for the domain/configuration
// store that owns triggers, events and event types.
package domainstore

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
	"time"

	"mole_automation/platform/apperr"
	"mole_automation/platform/config"
	"mole_automation/platform/logger"
	"mole_automation/platform/metrics"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const maxErrorBody = 2048

// StatusError reports a non-success HTTP response.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// Client talks to the domain store. All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	log      *logger.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func NewClient(cfg config.DomainStoreConfig, log *logger.Logger, opts ...Option) *Client {
	timeout := cfg.GetDomainStoreTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	limit := rate.Inf
	if r := cfg.GetDomainStoreRateLimit(); r > 0 {
		limit = rate.Limit(r)
	}

	c := &Client{
		baseURL:  cfg.GetDomainStoreURL(),
		username: cfg.GetDomainStoreUsername(),
		password: cfg.GetDomainStorePassword(),
		http:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(limit, 10),
		log:      log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "domain-store",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EventURL returns the canonical URL of an event.
func (c *Client) EventURL(id int64) string {
	return c.baseURL + "/events/" + strconv.FormatInt(id, 10) + "/"
}

// EventTypeURL returns the canonical URL of an event type.
func (c *Client) EventTypeURL(id int64) string {
	return c.baseURL + "/event_types/" + strconv.FormatInt(id, 10) + "/"
}

// TrialURL returns the canonical URL of a trial.
func (c *Client) TrialURL(id int64) string {
	return c.baseURL + "/trials/" + strconv.FormatInt(id, 10) + "/"
}

// ListTriggers fetches every configured trigger.
func (c *Client) ListTriggers(ctx context.Context) ([]TriggerDTO, error) {
	var out []TriggerDTO
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/triggers/", nil, false, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TriggersByKey fetches the triggers with the given keys.
func (c *Client) TriggersByKey(ctx context.Context, keys []string) ([]TriggerDTO, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	params := url.Values{}
	for _, k := range keys {
		params.Add("key", k)
	}

	var out []TriggerDTO
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/triggers/?"+params.Encode(), nil, false, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListEventTypes fetches every event type.
func (c *Client) ListEventTypes(ctx context.Context) ([]EventTypeDTO, error) {
	var out []EventTypeDTO
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/event_types/", nil, false, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateEvent posts a new event as the service identity.
func (c *Client) CreateEvent(ctx context.Context, req CreateEventRequest) (EventResponse, error) {
	var out EventResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/events/", req, true, &out); err != nil {
		return EventResponse{}, err
	}
	return out, nil
}

// PatchEventMetadata replaces the metadata of event id in a single PATCH.
func (c *Client) PatchEventMetadata(ctx context.Context, id int64, metadata map[string]any) error {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return c.do(ctx, http.MethodPatch, c.EventURL(id), patchMetadataRequest{Metadata: raw}, true, nil)
}

// PostJSON posts payload to an arbitrary destination as the service identity.
func (c *Client) PostJSON(ctx context.Context, destination string, payload map[string]any) error {
	return c.do(ctx, http.MethodPost, destination, payload, true, nil)
}

func (c *Client) do(ctx context.Context, method, target string, body any, auth bool, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var encoded []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		encoded = raw
	}

	start := time.Now()
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if auth {
			req.SetBasicAuth(c.username, c.password)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		res := response{code: resp.StatusCode, body: data}
		if resp.StatusCode >= http.StatusInternalServerError {
			return res, res.statusError(method, target)
		}
		return res, nil
	})

	status := "error"
	if res, ok := result.(response); ok {
		status = strconv.Itoa(res.code)
	}
	metrics.DomainStoreLatency.WithLabelValues(method, status).Observe(time.Since(start).Seconds())

	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return err
		}
		return apperr.Unavailable("domain store unreachable", err).WithOp(method + " " + target)
	}

	res := result.(response)
	if res.code > http.StatusCreated && res.code != http.StatusNoContent {
		return res.statusError(method, target)
	}
	if out == nil || len(res.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.body, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, target, err)
	}
	return nil
}

type response struct {
	code int
	body []byte
}

func (r response) statusError(method, target string) *StatusError {
	body := r.body
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &StatusError{Method: method, URL: target, Code: r.code, Body: string(body)}
}
