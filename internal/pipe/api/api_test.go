package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pinpt/go-common/v10/log"
	phttp "github.com/pinpt/syncagent/internal/http"
	"github.com/pinpt/syncagent/sdk"
	"github.com/stretchr/testify/assert"
)

func testBatch() *sdk.Batch {
	return &sdk.Batch{
		Records: []sdk.Record{
			sdk.RecordFromFields(sdk.Field{Name: "id", Value: sdk.Int(1)}, sdk.Field{Name: "note", Value: sdk.Null()}),
			sdk.RecordFromFields(sdk.Field{Name: "id", Value: sdk.Int(2)}, sdk.Field{Name: "note", Value: sdk.String("x")}),
		},
		Cursor: sdk.Watermark{Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
}

func newSink(url string, retries int) sdk.Sink {
	return New(Config{
		Logger:     log.NewNoOpTestLogger(),
		Client:     phttp.New(time.Second, nil).New(url, nil),
		AgentName:  "agent1",
		APIToken:   "secret",
		Retries:    retries,
		RetryDelay: time.Millisecond,
	})
}

func TestPayload(t *testing.T) {
	assert := assert.New(t)
	buf, err := Payload("agent1", testBatch())
	assert.NoError(err)
	assert.Equal(`{"data":[{"agent_name":"agent1","id":1,"note":null},{"agent_name":"agent1","id":2,"note":"x"}]}`, string(buf))
}

func TestDeliver(t *testing.T) {
	assert := assert.New(t)
	var body bytes.Buffer
	var auth, ctype string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		ctype = r.Header.Get("Content-Type")
		io.Copy(&body, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	assert.NoError(newSink(ts.URL, 0).Deliver(context.Background(), testBatch()))
	assert.Equal("Bearer secret", auth)
	assert.Equal("application/json", ctype)
	assert.Contains(body.String(), `"agent_name":"agent1"`)
}

func TestDeliverEmptyBatch(t *testing.T) {
	assert := assert.New(t)
	var count int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
	}))
	defer ts.Close()
	assert.NoError(newSink(ts.URL, 3).Deliver(context.Background(), &sdk.Batch{}))
	assert.NoError(newSink(ts.URL, 3).Deliver(context.Background(), nil))
	assert.Equal(int32(0), atomic.LoadInt32(&count))
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	assert := assert.New(t)
	var count int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&count, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	assert.NoError(newSink(ts.URL, 3).Deliver(context.Background(), testBatch()))
	assert.Equal(int32(3), atomic.LoadInt32(&count))
}

func TestDeliverFailure(t *testing.T) {
	assert := assert.New(t)
	var count int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer ts.Close()
	err := newSink(ts.URL, 2).Deliver(context.Background(), testBatch())
	assert.True(sdk.IsDeliveryError(err))
	derr := err.(*sdk.DeliveryError)
	assert.Equal(3, derr.Attempts)
	assert.Equal(http.StatusBadGateway, derr.StatusCode)
	assert.Equal("upstream down", derr.Body)
	assert.Equal(int32(3), atomic.LoadInt32(&count))
	assert.Equal("delivery failed after 3 attempts. status: 502, response: upstream down", derr.Error())
}
