package file

import (
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mailru/easyjson/jwriter"
	"github.com/pinpt/go-common/v10/log"
	pnum "github.com/pinpt/go-common/v10/number"
	"github.com/pinpt/syncagent/sdk"
)

type filePipe struct {
	logger    log.Logger
	dir       string
	agentName string
	mu        sync.Mutex
	count     int
}

var _ sdk.Sink = (*filePipe)(nil)

// Deliver writes the batch as gzipped newline delimited JSON to the next numbered file in dir
func (p *filePipe) Deliver(ctx context.Context, batch *sdk.Batch) error {
	if batch.Empty() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	fp := filepath.Join(p.dir, fmt.Sprintf("batch-%05d.json.gz", p.count))
	of, err := os.OpenFile(fp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	gz, err := gzip.NewWriterLevel(of, gzip.BestCompression)
	if err != nil {
		of.Close()
		return err
	}
	var size int64
	for _, rec := range batch.Records {
		w := jwriter.Writer{}
		rec.MarshalTaggedEasyJSON(&w, sdk.AgentNameField, p.agentName)
		w.RawByte('\n')
		n, err := w.DumpTo(gz)
		if err != nil {
			gz.Close()
			of.Close()
			return fmt.Errorf("error writing to %s: %w", fp, err)
		}
		size += int64(n)
	}
	if err := gz.Close(); err != nil {
		of.Close()
		return err
	}
	if err := of.Close(); err != nil {
		return err
	}
	log.Debug(p.logger, "wrote batch", "file", fp, "records", batch.Len(), "size", pnum.ToBytesSize(size))
	return nil
}

// New will create a new file sink writing into dir
func New(logger log.Logger, dir string, agentName string) (sdk.Sink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &filePipe{
		logger:    logger,
		dir:       dir,
		agentName: agentName,
	}, nil
}
