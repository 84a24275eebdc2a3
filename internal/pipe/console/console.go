package console

import (
	"context"
	"io"
	"os"

	"github.com/mailru/easyjson/jwriter"
	"github.com/pinpt/go-common/v10/log"
	"github.com/pinpt/syncagent/sdk"
)

type consolePipe struct {
	logger    log.Logger
	out       io.Writer
	agentName string
}

var _ sdk.Sink = (*consolePipe)(nil)

// Deliver writes each record as a line of JSON instead of sending it anywhere
func (p *consolePipe) Deliver(ctx context.Context, batch *sdk.Batch) error {
	if batch.Empty() {
		return nil
	}
	for _, rec := range batch.Records {
		w := jwriter.Writer{}
		rec.MarshalTaggedEasyJSON(&w, sdk.AgentNameField, p.agentName)
		w.RawByte('\n')
		if _, err := w.DumpTo(p.out); err != nil {
			return err
		}
	}
	log.Debug(p.logger, "dry run delivered", "records", batch.Len(), "cursor", batch.Cursor.String())
	return nil
}

// New will create a new console sink. A nil out writes to stdout.
func New(logger log.Logger, out io.Writer, agentName string) sdk.Sink {
	if out == nil {
		out = os.Stdout
	}
	log.Debug(logger, "using console sink")
	return &consolePipe{logger, out, agentName}
}
