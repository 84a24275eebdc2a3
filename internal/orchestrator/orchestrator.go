package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pinpt/go-common/v10/log"
	"github.com/pinpt/syncagent/sdk"
)

// Config is the configuration for the orchestrator
type Config struct {
	Logger    log.Logger
	Source    sdk.Source
	Sink      sdk.Sink
	Store     sdk.WatermarkStore
	BatchSize int
	Stats     sdk.Stats
}

// State is a point in time view of the orchestrator
type State struct {
	Status    sdk.Status       `json:"status" yaml:"status"`
	Watermark string           `json:"watermark" yaml:"watermark"`
	Key       string           `json:"key,omitempty" yaml:"key,omitempty"`
	Running   *sdk.Session     `json:"running,omitempty" yaml:"running,omitempty"`
	Last      *sdk.Session     `json:"last,omitempty" yaml:"last,omitempty"`
	Stats     map[string]int64 `json:"stats" yaml:"stats"`
}

// Orchestrator runs sync sessions, allowing at most one at a time
type Orchestrator struct {
	logger log.Logger
	config Config

	mu        sync.Mutex
	status    sdk.Status
	running   *sdk.Session
	last      *sdk.Session
	watermark sdk.Watermark
	subs      map[int]sdk.Subscriber
	nextSub   int
	wg        sync.WaitGroup
}

// Subscribe registers fn for notifications and returns a func which removes it
func (o *Orchestrator) Subscribe(fn sdk.Subscriber) func() {
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) emit(evt sdk.Event) {
	o.mu.Lock()
	subs := make([]sdk.Subscriber, 0, len(o.subs))
	for _, fn := range o.subs {
		subs = append(subs, fn)
	}
	o.mu.Unlock()
	for _, fn := range subs {
		fn(evt)
	}
}

// Status returns the current status
func (o *Orchestrator) Status() sdk.Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Watermark returns the last watermark known to be durably stored
func (o *Orchestrator) Watermark() sdk.Watermark {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.watermark
}

// State returns a snapshot of the orchestrator
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := State{
		Status:    o.status,
		Watermark: o.watermark.String(),
		Key:       o.watermark.Key,
		Stats:     o.config.Stats.Snapshot(),
	}
	if o.running != nil {
		s := *o.running
		st.Running = &s
	}
	if o.last != nil {
		s := *o.last
		st.Last = &s
	}
	return st
}

// Wait blocks until every triggered session has finished
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) begin(mode sdk.Mode) (*sdk.Session, error) {
	o.mu.Lock()
	if o.running != nil {
		o.mu.Unlock()
		o.config.Stats.Increment(sdk.StatSessionsRejected, 1)
		log.Debug(o.logger, "rejecting sync, already running", "mode", mode)
		return nil, sdk.ErrBusy
	}
	sess := &sdk.Session{
		ID:      uuid.New().String(),
		Mode:    mode,
		Started: time.Now(),
	}
	o.running = sess
	o.status = sdk.StatusRunning
	o.mu.Unlock()
	log.Info(o.logger, "sync started", "id", sess.ID, "mode", mode)
	o.emit(sdk.Event{Type: sdk.EventStatus, Status: sdk.StatusRunning, Session: *sess})
	return sess, nil
}

func (o *Orchestrator) finish(sess *sdk.Session, err error) sdk.Session {
	status := sdk.StatusIdle
	o.mu.Lock()
	sess.Duration = time.Since(sess.Started)
	switch {
	case err == nil:
		sess.Outcome = sdk.OutcomeCompleted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		sess.Outcome = sdk.OutcomeCancelled
	default:
		sess.Outcome = sdk.OutcomeFailed
		sess.Error = err.Error()
		status = sdk.StatusError
	}
	result := *sess
	o.last = &result
	o.running = nil
	o.status = status
	o.mu.Unlock()
	switch result.Outcome {
	case sdk.OutcomeCompleted:
		o.config.Stats.Increment(sdk.StatSessionsCompleted, 1)
	case sdk.OutcomeFailed:
		o.config.Stats.Increment(sdk.StatSessionsFailed, 1)
	}
	if status == sdk.StatusError {
		log.Error(o.logger, "sync failed", "id", result.ID, "mode", result.Mode, "records", result.Records, "err", err)
	} else {
		log.Info(o.logger, "sync finished", "id", result.ID, "mode", result.Mode, "outcome", result.Outcome, "records", result.Records, "batches", result.Batches, "watermark", result.Cursor, "duration", result.Duration)
	}
	o.emit(sdk.Event{Type: sdk.EventStatus, Status: status, Session: result, Err: err})
	if status == sdk.StatusError {
		o.settle(result)
	}
	return result
}

// settle moves the engine from Error back to Idle once the failure has been reported, the
// failure itself stays visible as the outcome of the last session
func (o *Orchestrator) settle(result sdk.Session) {
	o.mu.Lock()
	idle := o.running == nil && o.status == sdk.StatusError
	if idle {
		o.status = sdk.StatusIdle
	}
	o.mu.Unlock()
	if idle {
		o.emit(sdk.Event{Type: sdk.EventStatus, Status: sdk.StatusIdle, Session: result})
	}
}

// run executes the session. ctx is only checked between batches, extraction and delivery calls
// always run to completion.
func (o *Orchestrator) run(ctx context.Context, sess *sdk.Session) (result sdk.Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync panic: %v", r)
		}
		result = o.finish(sess, err)
	}()
	callctx := context.WithoutCancel(ctx)
	if sess.Mode == sdk.ModeFull {
		err = o.full(ctx, callctx, sess)
	} else {
		err = o.incremental(callctx, sess)
	}
	return
}

func (o *Orchestrator) deliver(ctx context.Context, sess *sdk.Session, batch *sdk.Batch) error {
	if err := o.config.Sink.Deliver(ctx, batch); err != nil {
		return err
	}
	o.config.Stats.Increment(sdk.StatBatchesDelivered, 1)
	o.config.Stats.Increment(sdk.StatRecordsDelivered, int64(batch.Len()))
	o.mu.Lock()
	sess.Records += batch.Len()
	sess.Batches++
	sess.Cursor = batch.Cursor.String()
	progress := *sess
	o.mu.Unlock()
	log.Debug(o.logger, "batch delivered", "id", sess.ID, "records", batch.Len(), "cursor", progress.Cursor)
	o.emit(sdk.Event{Type: sdk.EventProgress, Status: sdk.StatusRunning, Session: progress})
	return nil
}

// commit durably stores wm, the in memory watermark only moves once the store has accepted it
func (o *Orchestrator) commit(ctx context.Context, sess *sdk.Session, wm sdk.Watermark) error {
	if err := o.config.Store.Set(ctx, wm); err != nil {
		return fmt.Errorf("error saving watermark: %w", err)
	}
	o.mu.Lock()
	o.watermark = wm
	sess.Watermark = wm
	o.mu.Unlock()
	log.Debug(o.logger, "watermark saved", "watermark", wm.String(), "key", wm.Key)
	o.emit(sdk.Event{Type: sdk.EventWatermark, Status: sdk.StatusRunning, Watermark: wm, Session: *sess})
	return nil
}

// progressed fails when the cursor of batch is not past cursor, the rows would be delivered again
func progressed(cursor sdk.Watermark, batch *sdk.Batch) error {
	if batch.Cursor.Advances(cursor) {
		return nil
	}
	return &sdk.SourceError{Err: fmt.Errorf("batch cursor %s (key %q) does not advance past %s (key %q)", batch.Cursor.String(), batch.Cursor.Key, cursor.String(), cursor.Key)}
}

func (o *Orchestrator) incremental(ctx context.Context, sess *sdk.Session) error {
	wm, err := o.config.Store.Get(ctx)
	if err != nil {
		return fmt.Errorf("error reading watermark: %w", err)
	}
	o.mu.Lock()
	o.watermark = wm
	sess.Cursor = wm.String()
	o.mu.Unlock()
	batch, err := o.config.Source.Extract(ctx, wm, o.config.BatchSize)
	if err != nil {
		return err
	}
	if batch.Empty() {
		log.Debug(o.logger, "no new records", "watermark", wm.String())
		return nil
	}
	if err := progressed(wm, batch); err != nil {
		return err
	}
	if err := o.deliver(ctx, sess, batch); err != nil {
		return err
	}
	return o.commit(ctx, sess, batch.Cursor)
}

// full extracts from the beginning until a short batch, keeping the cursor locally and storing
// the cursor of the last delivered batch once the loop ends, even when it ends on an error
func (o *Orchestrator) full(ctx context.Context, callctx context.Context, sess *sdk.Session) error {
	var cursor sdk.Watermark
	var delivered bool
	var loopErr error
	for {
		if err := ctx.Err(); err != nil {
			loopErr = err
			break
		}
		batch, err := o.config.Source.Extract(callctx, cursor, o.config.BatchSize)
		if err != nil {
			loopErr = err
			break
		}
		if batch.Empty() {
			break
		}
		if err := progressed(cursor, batch); err != nil {
			loopErr = err
			break
		}
		if err := o.deliver(callctx, sess, batch); err != nil {
			loopErr = err
			break
		}
		cursor = batch.Cursor
		delivered = true
		if batch.Len() < o.config.BatchSize {
			break
		}
	}
	if delivered {
		if err := o.commit(callctx, sess, cursor); err != nil {
			if loopErr == nil {
				return err
			}
			log.Error(o.logger, "error saving watermark after failed full sync", "err", err)
		}
	}
	return loopErr
}

// TriggerIncremental starts an incremental session in the background. It returns sdk.ErrBusy
// if a session is already running.
func (o *Orchestrator) TriggerIncremental() error {
	return o.trigger(sdk.ModeIncremental)
}

// TriggerFull starts a full session in the background. It returns sdk.ErrBusy if a session is
// already running.
func (o *Orchestrator) TriggerFull() error {
	return o.trigger(sdk.ModeFull)
}

func (o *Orchestrator) trigger(mode sdk.Mode) error {
	sess, err := o.begin(mode)
	if err != nil {
		return err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(context.Background(), sess)
	}()
	return nil
}

// RunIncremental runs an incremental session and returns once it has finished
func (o *Orchestrator) RunIncremental(ctx context.Context) (sdk.Session, error) {
	sess, err := o.begin(sdk.ModeIncremental)
	if err != nil {
		return sdk.Session{}, err
	}
	return o.run(ctx, sess)
}

// RunFull runs a full session and returns once it has finished. Cancelling ctx stops the session
// after the batch in flight.
func (o *Orchestrator) RunFull(ctx context.Context) (sdk.Session, error) {
	sess, err := o.begin(sdk.ModeFull)
	if err != nil {
		return sdk.Session{}, err
	}
	return o.run(ctx, sess)
}

// New will create a new orchestrator, reading the current watermark from the store
func New(ctx context.Context, config Config) (*Orchestrator, error) {
	if config.BatchSize <= 0 {
		return nil, sdk.NewConfigError("SYNC.batch_size", "must be a positive integer, was %d", config.BatchSize)
	}
	if config.Source == nil || config.Sink == nil || config.Store == nil {
		return nil, fmt.Errorf("source, sink and store are required")
	}
	if config.Stats == nil {
		config.Stats = sdk.NewStats()
	}
	wm, err := config.Store.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("error reading watermark: %w", err)
	}
	return &Orchestrator{
		logger:    log.With(config.Logger, "pkg", "orchestrator"),
		config:    config,
		status:    sdk.StatusIdle,
		watermark: wm,
		subs:      make(map[int]sdk.Subscriber),
	}, nil
}
