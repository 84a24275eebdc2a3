package api

import (
	"bytes"
	"context"
	"time"

	"github.com/mailru/easyjson/jwriter"
	"github.com/pinpt/go-common/v10/log"
	pnum "github.com/pinpt/go-common/v10/number"
	"github.com/pinpt/syncagent/sdk"
)

// maxErrorBody is the most of a failed response body kept on a delivery error
const maxErrorBody = 1024

// Config is the configuration for the api sink
type Config struct {
	Logger     log.Logger
	Client     sdk.HTTPClient
	AgentName  string
	APIToken   string
	Retries    int
	RetryDelay time.Duration
}

type apiPipe struct {
	logger log.Logger
	config Config
}

var _ sdk.Sink = (*apiPipe)(nil)

// Payload encodes a batch as {"data":[...]}, tagging each record with the agent name
func Payload(agentName string, batch *sdk.Batch) ([]byte, error) {
	w := jwriter.Writer{}
	w.RawString(`{"data":[`)
	for i, rec := range batch.Records {
		if i > 0 {
			w.RawByte(',')
		}
		rec.MarshalTaggedEasyJSON(&w, sdk.AgentNameField, agentName)
	}
	w.RawString(`]}`)
	return w.BuildBytes()
}

func truncate(buf []byte) string {
	if len(buf) > maxErrorBody {
		return string(buf[:maxErrorBody]) + "..."
	}
	return string(buf)
}

// Deliver posts the batch to the API, retrying failed attempts. An empty batch is not sent.
func (p *apiPipe) Deliver(ctx context.Context, batch *sdk.Batch) error {
	if batch.Empty() {
		return nil
	}
	buf, err := Payload(p.config.AgentName, batch)
	if err != nil {
		return err
	}
	log.Debug(p.logger, "delivering", "records", batch.Len(), "size", pnum.ToBytesSize(int64(len(buf))))
	ts := time.Now()
	resp, err := p.config.Client.Post(ctx, bytes.NewReader(buf), nil,
		sdk.WithContentType("application/json"),
		sdk.WithBearerToken(p.config.APIToken),
		sdk.WithRetries(p.config.Retries),
		sdk.WithRetryDelay(p.config.RetryDelay),
	)
	if err != nil {
		derr := &sdk.DeliveryError{Err: err}
		if resp != nil {
			derr.Attempts = resp.Attempts
		}
		if ok, status, body := sdk.IsHTTPError(err); ok {
			derr.StatusCode = status
			derr.Body = truncate(body)
		}
		return derr
	}
	log.Debug(p.logger, "delivered", "records", batch.Len(), "attempts", resp.Attempts, "duration", time.Since(ts))
	return nil
}

// New will create a new sink delivering to the API
func New(config Config) sdk.Sink {
	return &apiPipe{
		logger: log.With(config.Logger, "pkg", "api"),
		config: config,
	}
}
