package sdk

import "context"

// Source extracts batches of rows ordered ascending by cursor
type Source interface {
	// Extract returns up to limit records strictly after cursor, or the earliest ones if cursor is unset.
	// An empty batch means there is nothing new.
	Extract(ctx context.Context, cursor Watermark, limit int) (*Batch, error)
	// Close releases the connection to the source
	Close() error
}

// Sink delivers batches to the remote system
type Sink interface {
	// Deliver sends the batch and returns nil only once the remote side confirmed receipt
	Deliver(ctx context.Context, batch *Batch) error
}
