// Package mailbox reads delivered messages back out of a mailbox-inspection
// HTTP API so they can be compared with what was sent.
//
// Every call is a single request with a bounded timeout. A non-200 response
// is an *APIError and a body that doesn't match the expected schema is a
// *DecodeError. Nothing is retried: polling is the caller's job.
package mailbox

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

	"github.com/rs/zerolog/log"

	"github.com/ptgott/relaycheck/message"
)

const (
	defaultMaxMessages    = 50
	defaultRequestTimeout = time.Duration(10) * time.Second
	// Keep APIError bodies readable in logs
	maxErrorBodyBytes = 512
)

// Inspector lists, fetches and deletes messages in a mailbox.
type Inspector interface {
	// Messages returns the IDs of the messages in the mailbox, at most
	// MaxMessages of them.
	Messages(ctx context.Context) ([]string, error)
	// Message fetches a single message. Address lists the mailbox reports
	// as empty are nil.
	Message(ctx context.Context, id string) (message.Inbound, error)
	// Empty deletes every message in the mailbox.
	Empty(ctx context.Context) error
}

// FieldReporter is implemented by Inspectors that can only observe some
// fields of a message.
type FieldReporter interface {
	Fields() []message.Field
}

// Fields returns the fields i can observe.
func Fields(i Inspector) []message.Field {
	if fr, ok := i.(FieldReporter); ok {
		return fr.Fields()
	}
	return message.AllFields
}

// APIError is returned for any response with a status other than 200.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf(
		"got non-200 status code of %v from %v %v: %v",
		e.StatusCode,
		e.Method,
		e.URL,
		e.Body,
	)
}

// DecodeError is returned when a response body doesn't match the schema we
// expect from the API.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("can't read the API response from %v as JSON: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Config holds the options every Inspector shares.
type Config struct {
	// Root of the API. Paths are resolved against it.
	BaseURL string
	// Cap on the number of IDs returned by Messages
	MaxMessages int
	// Timeout for each individual request
	RequestTimeout time.Duration
}

// CheckAndSetDefaults validates c and either returns a copy of c with default
// settings applied or returns an error due to an invalid configuration
func (c *Config) CheckAndSetDefaults() (Config, error) {
	n := *c
	if n.BaseURL == "" {
		return Config{}, errors.New("the mailbox API needs a base URL")
	}
	u, err := url.Parse(n.BaseURL)
	if err != nil {
		return Config{}, fmt.Errorf("can't parse the mailbox API URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Config{}, fmt.Errorf("the mailbox API URL must use http or https, not %q", u.Scheme)
	}
	if u.Host == "" {
		return Config{}, fmt.Errorf("the mailbox API URL %q has no host", n.BaseURL)
	}
	// Otherwise the last path segment gets replaced when resolving
	// endpoints.
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	n.BaseURL = u.String()

	if n.MaxMessages < 0 {
		return Config{}, errors.New("the maximum number of messages can't be negative")
	}
	if n.MaxMessages == 0 {
		n.MaxMessages = defaultMaxMessages
	}
	if n.RequestTimeout < 0 {
		return Config{}, errors.New("the mailbox request timeout can't be negative")
	}
	if n.RequestTimeout == 0 {
		n.RequestTimeout = defaultRequestTimeout
	}
	return n, nil
}

// apiClient makes requests against a single API root.
type apiClient struct {
	http   *http.Client
	base   *url.URL
	header http.Header
}

// newAPIClient expects a Config that has been through CheckAndSetDefaults.
func newAPIClient(c Config, header http.Header) (*apiClient, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("can't parse the mailbox API URL: %v", err)
	}
	return &apiClient{
		http: &http.Client{
			Timeout: c.RequestTimeout,
		},
		base:   u,
		header: header,
	}, nil
}

// resolve returns the absolute URL for a path relative to the API root.
func (a *apiClient) resolve(path string, query url.Values) string {
	u := a.base.ResolveReference(&url.URL{Path: path})
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do sends a request and returns the body of a 200 response.
func (a *apiClient) do(ctx context.Context, method, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("can't build the request for %v %v: %v", method, u, err)
	}
	for k, v := range a.header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")

	log.Debug().Str("method", method).Str("url", u).Msg("calling the mailbox API")
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("can't reach the mailbox API at %v: %w", u, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("can't read the response from %v: %w", u, err)
	}

	if resp.StatusCode != http.StatusOK {
		b := buf.String()
		if len(b) > maxErrorBodyBytes {
			b = b[:maxErrorBodyBytes]
		}
		return nil, &APIError{
			Method:     method,
			URL:        u,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(b),
		}
	}
	return buf.Bytes(), nil
}

// getJSON decodes the body of a 200 response to a GET into out.
func (a *apiClient) getJSON(ctx context.Context, u string, out interface{}) error {
	b, err := a.do(ctx, http.MethodGet, u)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return &DecodeError{URL: u, Err: io.ErrUnexpectedEOF}
	}
	if err := json.Unmarshal(b, out); err != nil {
		return &DecodeError{URL: u, Err: err}
	}
	return nil
}
