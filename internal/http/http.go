package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mailru/easyjson"
	"github.com/pinpt/syncagent/sdk"
)

// UserAgent is sent with every request
const UserAgent = "syncagent"

type rewindReader struct {
	buf []byte
	r   bufio.Reader
}

var _ io.Reader = (*rewindReader)(nil)

func (r *rewindReader) Rewind() {
	r.r.Reset(bytes.NewReader(r.buf))
}

func (r *rewindReader) Read(p []byte) (int, error) {
	return r.r.Read(p)
}

type client struct {
	url     string
	headers map[string]string
	cl      *http.Client
}

var _ sdk.HTTPClient = (*client)(nil)

// retryAfter parses a Retry-After header given either in seconds or as a HTTP date
func retryAfter(val string) time.Duration {
	if val == "" {
		return 0
	}
	if v, err := strconv.ParseInt(val, 10, 64); err == nil {
		if v > 0 {
			return time.Second * time.Duration(v)
		}
		return 0
	}
	if tv, err := http.ParseTime(val); err == nil {
		if d := time.Until(tv); d > 0 {
			return d
		}
	}
	return 0
}

func (c *client) exec(opt *sdk.HTTPOptions, out interface{}, options ...sdk.WithHTTPOption) (*sdk.HTTPResponse, error) {
	resp, err := c.cl.Do(opt.Request)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, fmt.Errorf("error copying response body: %w", err)
	}
	res := &sdk.HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       buf.Bytes(),
	}
	opt.Response = res
	for _, o := range options {
		if o != nil {
			if err := o(opt); err != nil {
				return nil, err
			}
		}
	}
	opt.Response = nil
	// check to see if this was a rate limited response
	if resp.StatusCode == http.StatusTooManyRequests {
		opt.RetryAfter = retryAfter(resp.Header.Get("Retry-After"))
	}
	// anything other than a 200 is a failed attempt
	if resp.StatusCode != http.StatusOK {
		return res, &sdk.HTTPError{
			StatusCode: resp.StatusCode,
			Body:       res.Body,
		}
	}
	if out == nil || buf.Len() == 0 {
		return res, nil
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		if i, ok := out.(easyjson.Unmarshaler); ok {
			return res, easyjson.Unmarshal(res.Body, i)
		}
		if err := json.Unmarshal(res.Body, out); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (c *client) makeRequest(req *http.Request, options ...sdk.WithHTTPOption) (*sdk.HTTPOptions, error) {
	opts := &sdk.HTTPOptions{
		Request: req,
	}
	opts.Request.Header.Set("Accept", "application/json")
	opts.Request.Header.Set("Content-Type", "application/json")
	opts.Request.Header.Set("User-Agent", UserAgent)
	for k, v := range c.headers {
		opts.Request.Header.Set(k, v)
	}
	for _, opt := range options {
		if opt != nil {
			if err := opt(opts); err != nil {
				return nil, err
			}
		}
	}
	return opts, nil
}

type requestMaker func(ctx context.Context) (*http.Request, error)

// execWithRetry makes up to Retries+1 attempts, waiting RetryDelay between them or the duration
// the server asked for with Retry-After
func (c *client) execWithRetry(ctx context.Context, maker requestMaker, out interface{}, options ...sdk.WithHTTPOption) (*sdk.HTTPResponse, error) {
	var lastResp *sdk.HTTPResponse
	var lastErr error
	var i int
	for {
		req, err := maker(ctx)
		if err != nil {
			return nil, err
		}
		httpreq, err := c.makeRequest(req, options...)
		if err != nil {
			return nil, err
		}
		i++
		resp, err := c.exec(httpreq, out, options...)
		if resp != nil {
			resp.Attempts = i
		}
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return resp, ctx.Err()
		}
		lastResp, lastErr = resp, err
		if i > httpreq.Retries {
			break
		}
		delay := httpreq.RetryDelay
		if httpreq.RetryAfter > 0 {
			delay = httpreq.RetryAfter
		}
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return lastResp, ctx.Err()
			case <-t.C:
			}
		}
	}
	if lastResp == nil {
		lastResp = &sdk.HTTPResponse{Attempts: i}
	}
	return lastResp, fmt.Errorf("%w after %d attempts: %w", sdk.ErrRetriesExhausted, i, lastErr)
}

// Post will call a HTTP POST method passing the data and set the result (if JSON) to out
func (c *client) Post(ctx context.Context, data io.Reader, out interface{}, options ...sdk.WithHTTPOption) (*sdk.HTTPResponse, error) {
	var buf bytes.Buffer
	if data != nil {
		if _, err := io.Copy(&buf, data); err != nil {
			return nil, err
		}
	}
	rw := &rewindReader{
		buf: buf.Bytes(),
	}
	return c.execWithRetry(ctx, func(ctx context.Context) (*http.Request, error) {
		rw.Rewind()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, rw)
		if err != nil {
			return nil, err
		}
		req.ContentLength = int64(len(rw.buf))
		return req, nil
	}, out, options...)
}

type manager struct {
	cl *http.Client
}

var _ sdk.HTTPClientManager = (*manager)(nil)

// New is for creating a new HTTP client instance that can be reused
func (m *manager) New(url string, headers map[string]string) sdk.HTTPClient {
	return &client{
		url:     url,
		headers: headers,
		cl:      m.cl,
	}
}

// New returns a new HTTPClientManager. timeout applies to each attempt, zero means no timeout.
// A nil transport uses http.DefaultTransport.
func New(timeout time.Duration, transport http.RoundTripper) sdk.HTTPClientManager {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &manager{&http.Client{Timeout: timeout, Transport: transport}}
}
