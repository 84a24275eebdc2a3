package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	pjson "github.com/pinpt/go-common/v10/json"
	"github.com/pinpt/syncagent/sdk"
	"github.com/stretchr/testify/assert"
)

func TestHTTPPostRequest(t *testing.T) {
	assert := assert.New(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var buf bytes.Buffer
		io.Copy(&buf, r.Body)
		w.Write(buf.Bytes())
	}))
	defer ts.Close()
	cl := New(time.Second, nil).New(ts.URL, nil)
	kv := make(map[string]interface{})
	resp, err := cl.Post(context.Background(), bytes.NewBuffer([]byte(`{"a":"b"}`)), &kv)
	assert.NoError(err)
	assert.NotNil(resp)
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal(1, resp.Attempts)
	assert.Equal("application/json", resp.Headers.Get("Content-Type"))
	assert.Equal("b", kv["a"])
}

func TestHTTPPostRequestHeaders(t *testing.T) {
	assert := assert.New(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(pjson.Stringify(map[string]string{
			"auth":  r.Header.Get("Authorization"),
			"type":  r.Header.Get("Content-Type"),
			"agent": r.Header.Get("User-Agent"),
			"foo":   r.Header.Get("Foo"),
		})))
	}))
	defer ts.Close()
	cl := New(time.Second, nil).New(ts.URL, map[string]string{"Foo": "Bar"})
	kv := make(map[string]string)
	_, err := cl.Post(context.Background(), bytes.NewBufferString("{}"), &kv, sdk.WithBearerToken("abc"), sdk.WithHTTPHeader("Foo", "Foo"))
	assert.NoError(err)
	assert.Equal("Bearer abc", kv["auth"])
	assert.Equal("application/json", kv["type"])
	assert.Equal(UserAgent, kv["agent"])
	assert.Equal("Foo", kv["foo"])
}

func TestHTTPPostRetry(t *testing.T) {
	assert := assert.New(t)
	var count int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		io.Copy(&buf, r.Body)
		if atomic.AddInt32(&count, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(buf.Bytes())
	}))
	defer ts.Close()
	cl := New(time.Second, nil).New(ts.URL, nil)
	kv := make(map[string]interface{})
	resp, err := cl.Post(context.Background(), bytes.NewBuffer([]byte(`{"a":"b"}`)), &kv, sdk.WithRetries(3), sdk.WithRetryDelay(time.Millisecond))
	assert.NoError(err)
	assert.Equal(3, resp.Attempts)
	assert.Equal(int32(3), atomic.LoadInt32(&count))
	// the body is replayed on every attempt
	assert.Equal("b", kv["a"])
}

func TestHTTPRetriesExhausted(t *testing.T) {
	assert := assert.New(t)
	var count int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "bad")
	}))
	defer ts.Close()
	cl := New(time.Second, nil).New(ts.URL, nil)
	resp, err := cl.Post(context.Background(), bytes.NewBufferString("{}"), nil, sdk.WithRetries(2), sdk.WithRetryDelay(time.Millisecond))
	assert.Error(err)
	assert.True(errors.Is(err, sdk.ErrRetriesExhausted))
	ok, status, body := sdk.IsHTTPError(err)
	assert.True(ok)
	assert.Equal(http.StatusBadRequest, status)
	assert.Equal("bad", string(body))
	assert.Equal(3, resp.Attempts)
	assert.Equal(int32(3), atomic.LoadInt32(&count))
}

func TestHTTPOnlyOKIsSuccess(t *testing.T) {
	assert := assert.New(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()
	cl := New(time.Second, nil).New(ts.URL, nil)
	resp, err := cl.Post(context.Background(), bytes.NewBufferString("{}"), nil)
	assert.Error(err)
	assert.Equal(http.StatusCreated, resp.StatusCode)
	assert.Equal(1, resp.Attempts)
}

func TestHTTPRetryAfter(t *testing.T) {
	assert := assert.New(t)
	var count int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&count, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	cl := New(time.Second*5, nil).New(ts.URL, nil)
	started := time.Now()
	resp, err := cl.Post(context.Background(), bytes.NewBufferString("{}"), nil, sdk.WithRetries(1), sdk.WithRetryDelay(time.Millisecond))
	assert.NoError(err)
	assert.Equal(2, resp.Attempts)
	assert.True(time.Since(started) >= time.Second)
}

func TestHTTPTransportErrorRetried(t *testing.T) {
	assert := assert.New(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()
	cl := New(time.Second, nil).New(url, nil)
	resp, err := cl.Post(context.Background(), bytes.NewBufferString("{}"), nil, sdk.WithRetries(1), sdk.WithRetryDelay(time.Millisecond))
	assert.True(errors.Is(err, sdk.ErrRetriesExhausted))
	ok, _, _ := sdk.IsHTTPError(err)
	assert.False(ok)
	assert.Equal(2, resp.Attempts)
}

func TestHTTPCancelDuringDelay(t *testing.T) {
	assert := assert.New(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()
	cl := New(time.Second, nil).New(ts.URL, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := cl.Post(ctx, bytes.NewBufferString("{}"), nil, sdk.WithRetries(5), sdk.WithRetryDelay(time.Minute))
	assert.True(errors.Is(err, context.DeadlineExceeded))
}

func TestHTTPInvalidRetries(t *testing.T) {
	assert := assert.New(t)
	cl := New(time.Second, nil).New("http://localhost", nil)
	_, err := cl.Post(context.Background(), bytes.NewBufferString("{}"), nil, sdk.WithRetries(-1))
	assert.Error(err)
}

func TestRetryAfterHeader(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(time.Duration(0), retryAfter(""))
	assert.Equal(time.Duration(0), retryAfter("abc"))
	assert.Equal(3*time.Second, retryAfter("3"))
	d := retryAfter(time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
	assert.True(d > 58*time.Minute)
}
