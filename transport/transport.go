// Package transport is the external collaborator described in spec §6:
// the thing that actually puts bytes on the wire. It is out of the
// queue's core scope, but a default net/http implementation is supplied
// so the module is runnable end-to-end, mirroring the teacher's
// transaction.Process(ctx, cfg, log, *http.Client) shape.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/scribd/lucid-requestqueue/internal/request"
)

// Result is what a successful Send call returns.
type Result struct {
	StatusCode int
	Headers    map[string][]string
	Body       []byte
}

// ErrorKind classifies a transport failure for the processor's routing
// table (spec §4.D, §7).
type ErrorKind uint8

const (
	// ErrorTransient covers connection timeouts, DNS failures, socket
	// drops and explicit transient error codes.
	ErrorTransient ErrorKind = iota
	// ErrorTerminal covers failures a retry cannot fix; HTTPClient uses it
	// when a request cannot be built into a valid HTTP request. HTTP
	// responses of any status, 4xx included, are returned as a Result,
	// not as an Error.
	ErrorTerminal
)

// Error wraps a transport failure with the kind the processor needs to
// route it.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// ConnectivityWatcher is implemented by transports that can observe
// network reachability; it satisfies scheduler.ConnectivityWatcher.
type ConnectivityWatcher interface {
	Connected() <-chan bool
}

// Client sends a single request and returns its outcome. Cancellation is
// expressed through ctx rather than a separate handle/cancel pair: the
// processor cancels by cancelling ctx, which is the idiomatic Go
// equivalent of the spec's injected "cancel(request_handle)" call.
type Client interface {
	Send(ctx context.Context, req request.Request) (Result, error)
}

// HTTPClient is the default Client, backed by net/http.
type HTTPClient struct {
	http        *http.Client
	defaultHost string
}

// NewHTTPClient constructs an HTTPClient. defaultHost is used for any
// request whose Config.HostOverride is empty.
func NewHTTPClient(httpClient *http.Client, defaultHost string) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPClient{http: httpClient, defaultHost: defaultHost}
}

// Send implements Client.
func (c *HTTPClient) Send(ctx context.Context, req request.Request) (Result, error) {
	httpReq, err := buildHTTPRequest(ctx, req, c.defaultHost)
	if err != nil {
		return Result{}, &Error{Kind: ErrorTerminal, Err: err}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, &Error{Kind: ErrorTransient, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, &Error{Kind: ErrorTransient, Err: fmt.Errorf("read response body: %w", err)}
	}

	return Result{
		StatusCode: resp.StatusCode,
		Headers:    map[string][]string(resp.Header),
		Body:       body,
	}, nil
}

func buildHTTPRequest(ctx context.Context, req request.Request, defaultHost string) (*http.Request, error) {
	host := req.Config.HostOverride
	if host == "" {
		host = defaultHost
	}

	u, err := url.Parse(strings.TrimRight(host, "/") + req.Config.PathTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	if len(req.Config.Query) > 0 {
		q := u.Query()
		for _, param := range req.Config.Query {
			for _, v := range param.Values {
				q.Add(param.Key, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	contentType := ""
	if len(req.Config.Body.Form) > 0 {
		form := url.Values{}
		for _, f := range req.Config.Body.Form {
			form.Add(f.Key, f.Value)
		}
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	} else if len(req.Config.Body.Raw) > 0 {
		body = bytes.NewReader(req.Config.Body.Raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Config.Method.String(), u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for _, h := range req.Config.Headers {
		for _, v := range h.Values {
			httpReq.Header.Add(h.Name, v)
		}
	}
	return httpReq, nil
}
