package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pinpt/go-common/v10/log"
	"github.com/pinpt/syncagent/sdk"
	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu      sync.Mutex
	rows    []time.Time
	calls   []int
	block   chan struct{}
	err     error
	panicky bool
}

func (s *fakeSource) add(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.rows = append(s.rows, epoch.Add(time.Duration(len(s.rows)+1)*time.Second))
	}
}

func (s *fakeSource) Extract(ctx context.Context, cursor sdk.Watermark, limit int) (*sdk.Batch, error) {
	if s.block != nil {
		<-s.block
	}
	if s.panicky {
		panic("boom")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	batch := &sdk.Batch{}
	for i, ts := range s.rows {
		if cursor.IsSet() && !ts.After(cursor.Timestamp) {
			continue
		}
		if batch.Len() == limit {
			break
		}
		batch.Records = append(batch.Records, sdk.RecordFromFields(sdk.Field{Name: "id", Value: sdk.Int(int64(i + 1))}))
		batch.Cursor = sdk.Watermark{Timestamp: ts}
	}
	s.calls = append(s.calls, batch.Len())
	return batch, nil
}

func (s *fakeSource) Close() error { return nil }

type fakeSink struct {
	mu      sync.Mutex
	batches []int
	failAt  int // 1 based delivery number which fails, 0 never
	calls   int
	onCall  func(n int)
}

func (s *fakeSink) Deliver(ctx context.Context, batch *sdk.Batch) error {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if s.onCall != nil {
		s.onCall(n)
	}
	if s.failAt > 0 && n >= s.failAt {
		return &sdk.DeliveryError{Attempts: 4, StatusCode: 500}
	}
	s.mu.Lock()
	s.batches = append(s.batches, batch.Len())
	s.mu.Unlock()
	return nil
}

type fakeStore struct {
	mu   sync.Mutex
	wm   sdk.Watermark
	sets []sdk.Watermark
	fail bool
}

func (s *fakeStore) Get(ctx context.Context) (sdk.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wm, nil
}

func (s *fakeStore) Set(ctx context.Context, wm sdk.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.wm = wm
	s.sets = append(s.sets, wm)
	return nil
}

func newTest(t *testing.T, src *fakeSource, sink *fakeSink, store *fakeStore, batchSize int) *Orchestrator {
	o, err := New(context.Background(), Config{
		Logger:    log.NewNoOpTestLogger(),
		Source:    src,
		Sink:      sink,
		Store:     store,
		BatchSize: batchSize,
	})
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func TestIncremental(t *testing.T) {
	assert := assert.New(t)
	src := &fakeSource{}
	src.add(3)
	sink := &fakeSink{}
	store := &fakeStore{}
	o := newTest(t, src, sink, store, 1000)
	sess, err := o.RunIncremental(context.Background())
	assert.NoError(err)
	assert.Equal(sdk.OutcomeCompleted, sess.Outcome)
	assert.Equal(3, sess.Records)
	assert.Equal([]int{3}, src.calls)
	assert.Equal([]int{3}, sink.batches)
	assert.True(epoch.Add(3 * time.Second).Equal(store.wm.Timestamp))
	assert.Equal(store.wm, o.Watermark())
	assert.Equal(sdk.StatusIdle, o.Status())
	assert.Equal(int64(3), o.config.Stats.Get(sdk.StatRecordsDelivered))
}

func TestIncrementalEmpty(t *testing.T) {
	assert := assert.New(t)
	start := sdk.Watermark{Timestamp: epoch}
	store := &fakeStore{wm: start}
	sink := &fakeSink{}
	o := newTest(t, &fakeSource{}, sink, store, 10)
	sess, err := o.RunIncremental(context.Background())
	assert.NoError(err)
	assert.Equal(sdk.OutcomeCompleted, sess.Outcome)
	assert.Equal(0, sink.calls)
	assert.Empty(store.sets)
	assert.Equal(start, store.wm)
	assert.Equal(sdk.StatusIdle, o.Status())
}

func TestIncrementalNonDecreasing(t *testing.T) {
	assert := assert.New(t)
	src := &fakeSource{}
	store := &fakeStore{}
	o := newTest(t, src, &fakeSink{}, store, 2)
	for i := 0; i < 5; i++ {
		src.add(i % 3)
		_, err := o.RunIncremental(context.Background())
		assert.NoError(err)
	}
	for i := 1; i < len(store.sets); i++ {
		assert.False(store.sets[i].Before(store.sets[i-1]))
	}
	// last set is the cursor of the last delivered record
	src.mu.Lock()
	defer src.mu.Unlock()
	delivered := 0
	for _, n := range src.calls {
		delivered += n
	}
	assert.True(src.rows[delivered-1].Equal(store.wm.Timestamp))
}

func TestIncrementalDeliveryFailure(t *testing.T) {
	assert := assert.New(t)
	src := &fakeSource{}
	src.add(3)
	store := &fakeStore{}
	var events []sdk.Event
	o := newTest(t, src, &fakeSink{failAt: 1}, store, 10)
	o.Subscribe(func(evt sdk.Event) { events = append(events, evt) })
	sess, err := o.RunIncremental(context.Background())
	assert.True(sdk.IsDeliveryError(err))
	assert.Equal(sdk.OutcomeFailed, sess.Outcome)
	assert.NotEmpty(sess.Error)
	assert.False(store.wm.IsSet())
	assert.Equal(int64(1), o.config.Stats.Get(sdk.StatSessionsFailed))
	// the error is reported, then the engine returns to idle
	assert.Equal(sdk.StatusIdle, o.Status())
	assert.Equal(sdk.OutcomeFailed, o.State().Last.Outcome)
	var statuses []sdk.Status
	for _, evt := range events {
		if evt.Type == sdk.EventStatus {
			statuses = append(statuses, evt.Status)
		}
	}
	assert.Equal([]sdk.Status{sdk.StatusRunning, sdk.StatusError, sdk.StatusIdle}, statuses)
	failed := events[len(events)-2]
	assert.Equal(sdk.StatusError, failed.Status)
	assert.Error(failed.Err)
	// the engine is usable again after an error
	o.config.Sink = &fakeSink{}
	_, err = o.RunIncremental(context.Background())
	assert.NoError(err)
	assert.Equal(sdk.StatusIdle, o.Status())
}

func TestIncrementalSourceError(t *testing.T) {
	assert := assert.New(t)
	src := &fakeSource{err: &sdk.SourceError{Err: errors.New("connection refused")}}
	sink := &fakeSink{}
	o := newTest(t, src, sink, &fakeStore{}, 10)
	_, err := o.RunIncremental(context.Background())
	assert.True(sdk.IsSourceError(err))
	assert.Equal(0, sink.calls)
	assert.Equal(sdk.StatusIdle, o.Status())
	assert.Equal(sdk.OutcomeFailed, o.State().Last.Outcome)
}

func TestStoreFailureKeepsWatermark(t *testing.T) {
	assert := assert.New(t)
	src := &fakeSource{}
	src.add(2)
	start := sdk.Watermark{Timestamp: epoch}
	store := &fakeStore{wm: start, fail: true}
	o := newTest(t, src, &fakeSink{}, store, 10)
	sess, err := o.RunIncremental(context.Background())
	assert.Error(err)
	assert.Equal(sdk.OutcomeFailed, sess.Outcome)
	assert.Equal(start, o.Watermark())
	assert.Equal(start, store.wm)
}

func TestFull(t *testing.T) {
	assert := assert.New(t)
	src := &fakeSource{}
	src.add(2500)
	sink := &fakeSink{}
	store := &fakeStore{wm: sdk.Watermark{Timestamp: epoch.Add(time.Hour * 24)}}
	o := newTest(t, src, sink, store, 1000)
	var progress int
	o.Subscribe(func(evt sdk.Event) {
		if evt.Type == sdk.EventProgress {
			progress++
		}
	})
	sess, err := o.RunFull(context.Background())
	assert.NoError(err)
	assert.Equal(sdk.ModeFull, sess.Mode)
	assert.Equal([]int{1000, 1000, 500}, src.calls)
	assert.Equal([]int{1000, 1000, 500}, sink.batches)
	assert.Equal(2500, sess.Records)
	assert.Equal(3, sess.Batches)
	assert.Equal(3, progress)
	assert.Len(store.sets, 1)
	assert.True(src.rows[2499].Equal(store.wm.Timestamp))
}

func TestFullExactMultiple(t *testing.T) {
	assert := assert.New(t)
	src := &fakeSource{}
	src.add(20)
	store := &fakeStore{}
	o := newTest(t, src, &fakeSink{}, store, 10)
	sess, err := o.RunFull(context.Background())
	assert.NoError(err)
	assert.Equal([]int{10, 10, 0}, src.calls)
	assert.Equal(20, sess.Records)
	assert.True(src.rows[19].Equal(store.wm.Timestamp))
}

func TestFullFailureCommitsDelivered(t *testing.T) {
	assert := assert.New(t)
	src := &fakeSource{}
	src.add(25)
	store := &fakeStore{}
	o := newTest(t, src, &fakeSink{failAt: 2}, store, 10)
	sess, err := o.RunFull(context.Background())
	assert.True(sdk.IsDeliveryError(err))
	assert.Equal(sdk.OutcomeFailed, sess.Outcome)
	assert.Equal(10, sess.Records)
	assert.Len(store.sets, 1)
	assert.True(src.rows[9].Equal(store.wm.Timestamp))
	assert.Equal(sdk.StatusIdle, o.Status())
}

func TestFullFailureBeforeAnyDelivery(t *testing.T) {
	assert := assert.New(t)
	src := &fakeSource{}
	src.add(5)
	start := sdk.Watermark{Timestamp: epoch}
	store := &fakeStore{wm: start}
	o := newTest(t, src, &fakeSink{failAt: 1}, store, 10)
	_, err := o.RunFull(context.Background())
	assert.Error(err)
	assert.Empty(store.sets)
	assert.Equal(start, store.wm)
}

func TestFullCancelledBetweenBatches(t *testing.T) {
	assert := assert.New(t)
	src := &fakeSource{}
	src.add(30)
	store := &fakeStore{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &fakeSink{onCall: func(n int) {
		if n == 1 {
			cancel()
		}
	}}
	o := newTest(t, src, sink, store, 10)
	sess, err := o.RunFull(ctx)
	assert.True(errors.Is(err, context.Canceled))
	assert.Equal(sdk.OutcomeCancelled, sess.Outcome)
	// the batch in flight still completed and was committed
	assert.Equal([]int{10}, sink.batches)
	assert.True(src.rows[9].Equal(store.wm.Timestamp))
	assert.Equal(sdk.StatusIdle, o.Status())
}

// stuckSource returns the same rows for every cursor
type stuckSource struct {
	calls int
}

func (s *stuckSource) Extract(ctx context.Context, cursor sdk.Watermark, limit int) (*sdk.Batch, error) {
	s.calls++
	batch := &sdk.Batch{}
	for i := 1; i <= limit; i++ {
		batch.Records = append(batch.Records, sdk.RecordFromFields(sdk.Field{Name: "id", Value: sdk.Int(int64(i))}))
	}
	batch.Cursor = sdk.Watermark{Timestamp: epoch.Add(time.Duration(limit) * time.Second), Key: "2"}
	return batch, nil
}

func (s *stuckSource) Close() error { return nil }

func TestFullStopsWhenCursorDoesNotAdvance(t *testing.T) {
	assert := assert.New(t)
	src := &stuckSource{}
	sink := &fakeSink{}
	store := &fakeStore{}
	o, err := New(context.Background(), Config{
		Logger:    log.NewNoOpTestLogger(),
		Source:    src,
		Sink:      sink,
		Store:     store,
		BatchSize: 2,
	})
	assert.NoError(err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := o.RunFull(ctx)
	assert.True(sdk.IsSourceError(err))
	assert.Equal(sdk.OutcomeFailed, sess.Outcome)
	assert.Equal(2, src.calls)
	assert.Equal([]int{2}, sink.batches)
	// the first batch was delivered and is committed
	assert.Len(store.sets, 1)
	assert.True(epoch.Add(2 * time.Second).Equal(store.wm.Timestamp))
}

func TestIncrementalRefusesToResend(t *testing.T) {
	assert := assert.New(t)
	start := sdk.Watermark{Timestamp: epoch.Add(2 * time.Second), Key: "2"}
	store := &fakeStore{wm: start}
	sink := &fakeSink{}
	o, err := New(context.Background(), Config{
		Logger:    log.NewNoOpTestLogger(),
		Source:    &stuckSource{},
		Sink:      sink,
		Store:     store,
		BatchSize: 2,
	})
	assert.NoError(err)
	_, err = o.RunIncremental(context.Background())
	assert.True(sdk.IsSourceError(err))
	assert.Equal(0, sink.calls)
	assert.Empty(store.sets)
}

func TestBusy(t *testing.T) {
	assert := assert.New(t)
	src := &fakeSource{block: make(chan struct{})}
	src.add(3)
	sink := &fakeSink{}
	store := &fakeStore{}
	o := newTest(t, src, sink, store, 10)
	assert.NoError(o.TriggerIncremental())
	assert.Equal(sdk.StatusRunning, o.Status())
	assert.NotNil(o.State().Running)
	assert.Equal(sdk.ErrBusy, o.TriggerFull())
	assert.Equal(sdk.ErrBusy, o.TriggerIncremental())
	_, err := o.RunIncremental(context.Background())
	assert.Equal(sdk.ErrBusy, err)
	close(src.block)
	o.Wait()
	assert.Equal(sdk.StatusIdle, o.Status())
	assert.Equal(1, sink.calls)
	assert.Len(store.sets, 1)
	assert.Equal(int64(3), o.config.Stats.Get(sdk.StatSessionsRejected))
	assert.Equal(int64(1), o.config.Stats.Get(sdk.StatSessionsCompleted))
	st := o.State()
	assert.Nil(st.Running)
	assert.Equal(sdk.OutcomeCompleted, st.Last.Outcome)
}

func TestConcurrentTriggers(t *testing.T) {
	assert := assert.New(t)
	src := &fakeSource{block: make(chan struct{})}
	src.add(1)
	o := newTest(t, src, &fakeSink{}, &fakeStore{}, 10)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var started, busy int
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := o.TriggerIncremental()
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				started++
			} else if err == sdk.ErrBusy {
				busy++
			}
		}()
	}
	wg.Wait()
	close(src.block)
	o.Wait()
	assert.Equal(1, started)
	assert.Equal(19, busy)
}

func TestPanicRecovered(t *testing.T) {
	assert := assert.New(t)
	src := &fakeSource{panicky: true}
	o := newTest(t, src, &fakeSink{}, &fakeStore{}, 10)
	sess, err := o.RunIncremental(context.Background())
	assert.Error(err)
	assert.Contains(sess.Error, "boom")
	assert.Equal(sdk.StatusIdle, o.Status())
	assert.Nil(o.State().Running)
	src.panicky = false
	_, err = o.RunIncremental(context.Background())
	assert.NoError(err)
}

func TestSubscribe(t *testing.T) {
	assert := assert.New(t)
	src := &fakeSource{}
	src.add(1)
	o := newTest(t, src, &fakeSink{}, &fakeStore{}, 10)
	var statuses []sdk.Status
	var watermarks int
	unsub := o.Subscribe(func(evt sdk.Event) {
		switch evt.Type {
		case sdk.EventStatus:
			statuses = append(statuses, evt.Status)
		case sdk.EventWatermark:
			watermarks++
		}
	})
	_, err := o.RunIncremental(context.Background())
	assert.NoError(err)
	assert.Equal([]sdk.Status{sdk.StatusRunning, sdk.StatusIdle}, statuses)
	assert.Equal(1, watermarks)
	unsub()
	src.add(1)
	o.RunIncremental(context.Background())
	assert.Len(statuses, 2)
}

func TestNewValidates(t *testing.T) {
	assert := assert.New(t)
	_, err := New(context.Background(), Config{Source: &fakeSource{}, Sink: &fakeSink{}, Store: &fakeStore{}})
	assert.True(sdk.IsConfigError(err))
}
