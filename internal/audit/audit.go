// Package audit forwards best-effort operation records to an external collaborator.
package audit

import (
	"context"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/capvault/internal/model"
)

// Category groups audit entries.
type Category string

// Categories emitted by the file flows.
const (
	CategoryFile         Category = "file"
	CategoryVerification Category = "verification"
)

// Entry is one fire-and-forget audit record.
type Entry struct {
	Category       Category
	TargetID       uuid.UUID
	Description    string
	RequestContext model.RequestContext
	ActorID        uuid.UUID
}

// Sink accepts audit entries. Implementations must not block the caller for long
// and their failures never affect the primary operation.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

// LogSink writes entries as structured log lines.
type LogSink struct{ log *zap.Logger }

// NewLogSink returns a sink that logs through l.
func NewLogSink(l *zap.Logger) *LogSink { return &LogSink{log: l.Named("audit")} }

// Record logs the entry.
func (s *LogSink) Record(_ context.Context, e Entry) {
	s.log.Info(e.Description,
		zap.String("category", string(e.Category)),
		zap.String("target", e.TargetID.String()),
		zap.String("actor", e.ActorID.String()),
		zap.String("remote", e.RequestContext.RemoteAddr),
		zap.String("ua", e.RequestContext.UserAgent),
	)
}

// Async decouples callers from a slow sink with a bounded queue. When the queue
// is full the entry is dropped and a warning logged.
type Async struct {
	next Sink
	log  *zap.Logger
	ch   chan Entry
	wg   sync.WaitGroup

	mu     sync.RWMutex // guards closed and the close of ch
	closed bool
}

// NewAsync starts one delivery goroutine draining into next.
func NewAsync(next Sink, buffer int, log *zap.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{next: next, log: log, ch: make(chan Entry, buffer)}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) run() {
	defer a.wg.Done()
	for e := range a.ch {
		a.deliver(e)
	}
}

func (a *Async) deliver(e Entry) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Warn("audit sink panicked", zap.Any("reason", r))
		}
	}()
	a.next.Record(context.Background(), e)
}

// Record enqueues e without blocking. Entries recorded after Close are dropped.
func (a *Async) Record(_ context.Context, e Entry) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.log.Warn("audit entry after close dropped", zap.String("desc", e.Description))
		return
	}
	select {
	case a.ch <- e:
	default:
		a.log.Warn("audit queue full, entry dropped", zap.String("desc", e.Description))
	}
}

// Close stops accepting entries and waits for queued ones to be delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// Nop discards everything.
type Nop struct{}

// Record does nothing.
func (Nop) Record(context.Context, Entry) {}
