package detector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/formfill/element"
)

// QueueConfig controls detection batching.
type QueueConfig struct {
	// Window is the debounce time. Default: 150ms.
	Window time.Duration
	// MaxBuffer flushes immediately when this many distinct elements
	// accumulate. Default: 64.
	MaxBuffer int
	Logger    *slog.Logger
}

func (qc *QueueConfig) defaults() {
	if qc.Window <= 0 {
		qc.Window = 150 * time.Millisecond
	}
	if qc.MaxBuffer <= 0 {
		qc.MaxBuffer = 64
	}
	if qc.Logger == nil {
		qc.Logger = slog.Default()
	}
}

// Queue collects snapshots from the host and emits them in coalesced
// batches when the debounce window expires or the buffer fills. Bursts of
// mutations on the same element (fingerprint) collapse to the latest
// snapshot: classifying an intermediate state would be wasted work and the
// result would be overwritten anyway.
type Queue struct {
	cfg     QueueConfig
	flushFn func([]*element.Snapshot)

	in   chan *element.Snapshot
	stop chan struct{}
	done chan struct{}

	buf     []*element.Snapshot
	index   map[string]int // fingerprint → buf position
	timer   *time.Timer
	timerCh <-chan time.Time

	closeOnce sync.Once
}

// NewQueue starts the queue loop. flushFn receives each coalesced batch
// on the queue goroutine; it must not call back into the queue.
func NewQueue(cfg QueueConfig, flushFn func([]*element.Snapshot)) *Queue {
	cfg.defaults()
	q := &Queue{
		cfg:     cfg,
		flushFn: flushFn,
		in:      make(chan *element.Snapshot, cfg.MaxBuffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		buf:     make([]*element.Snapshot, 0, cfg.MaxBuffer),
		index:   make(map[string]int),
	}
	go q.run()
	return q
}

// Enqueue submits a snapshot for classification. Safe for concurrent use;
// returns false once the queue is closed.
func (q *Queue) Enqueue(ctx context.Context, snap *element.Snapshot) bool {
	select {
	case q.in <- snap:
		return true
	case <-q.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close flushes whatever is buffered and stops the loop.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.stop) })
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case snap := <-q.in:
			q.add(snap)
		case <-q.timerCh:
			q.flush()
		case <-q.stop:
			// Drain anything already submitted, then final flush.
			for {
				select {
				case snap := <-q.in:
					q.add(snap)
				default:
					q.flush()
					return
				}
			}
		}
	}
}

// add coalesces by fingerprint, keeping the latest snapshot in the
// earlier slot so batch order reflects first sighting.
func (q *Queue) add(snap *element.Snapshot) {
	fp := snap.Fingerprint()
	if pos, ok := q.index[fp]; ok {
		q.buf[pos] = snap
		return
	}
	q.index[fp] = len(q.buf)
	q.buf = append(q.buf, snap)

	if len(q.buf) >= q.cfg.MaxBuffer {
		q.flush()
		return
	}

	// (Re)start the window timer.
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.NewTimer(q.cfg.Window)
	q.timerCh = q.timer.C
}

func (q *Queue) flush() {
	if len(q.buf) == 0 {
		return
	}

	batch := make([]*element.Snapshot, len(q.buf))
	copy(batch, q.buf)
	q.flushFn(batch)

	q.buf = q.buf[:0]
	clear(q.index)
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
		q.timerCh = nil
	}
}
