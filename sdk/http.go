package sdk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrRetriesExhausted is wrapped when every attempt of a request failed
var ErrRetriesExhausted = errors.New("retries exhausted")

// HTTPOptions is a holder for options
type HTTPOptions struct {
	Request    *http.Request
	Response   *HTTPResponse // only set in the response case or nil in the request case
	Retries    int           // number of additional attempts after the first one
	RetryDelay time.Duration // fixed delay between attempts
	RetryAfter time.Duration
}

// WithHTTPOption is an option for setting details on the request
type WithHTTPOption func(opt *HTTPOptions) error

// HTTPClientManager is an interface for creating HTTP clients
type HTTPClientManager interface {
	// New is for creating a new HTTP client instance that can be reused
	New(url string, headers map[string]string) HTTPClient
}

// HTTPError is returned if the error is a non-200 status code
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP Error: %d", e.StatusCode)
}

// IsHTTPError returns true if an error is a HTTP error
func IsHTTPError(err error) (bool, int, []byte) {
	var e *HTTPError
	if errors.As(err, &e) {
		return true, e.StatusCode, e.Body
	}
	return false, 0, nil
}

// HTTPResponse is a struct returned by the HTTPClient
type HTTPResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Attempts   int
}

// HTTPClient is an interface to a HTTP client
type HTTPClient interface {
	// Post will call a HTTP POST method passing the data and set the result (if JSON) to out
	Post(ctx context.Context, data io.Reader, out interface{}, options ...WithHTTPOption) (*HTTPResponse, error)
}

// WithHTTPHeader will add a specific header to an outgoing request
func WithHTTPHeader(key, value string) WithHTTPOption {
	return func(opt *HTTPOptions) error {
		if opt.Response == nil {
			opt.Request.Header.Set(key, value)
		}
		return nil
	}
}

// WithContentType will set the Content-Type header
func WithContentType(value string) WithHTTPOption {
	return WithHTTPHeader("Content-Type", value)
}

// WithAuthorization will set the Authorization header
func WithAuthorization(value string) WithHTTPOption {
	return WithHTTPHeader("Authorization", value)
}

// WithBearerToken will set a Bearer Authorization header
func WithBearerToken(token string) WithHTTPOption {
	return WithAuthorization("Bearer " + token)
}

// WithRetries sets the number of additional attempts made after a failed one
func WithRetries(n int) WithHTTPOption {
	return func(opt *HTTPOptions) error {
		if opt.Response == nil {
			if n < 0 {
				return fmt.Errorf("invalid retry count %d", n)
			}
			opt.Retries = n
		}
		return nil
	}
}

// WithRetryDelay sets the fixed delay between attempts
func WithRetryDelay(d time.Duration) WithHTTPOption {
	return func(opt *HTTPOptions) error {
		if opt.Response == nil {
			opt.RetryDelay = d
		}
		return nil
	}
}
