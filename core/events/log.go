package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Panmoni/yapbay-sub000/core/types"
)

const DefaultHistory = 4096

// Entry is one event as recorded by the log.
type Entry struct {
	Sequence   uint64            `json:"sequence"`
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// Sink durably stores entries. Append is called in sequence order.
type Sink interface {
	Append(ctx context.Context, entry Entry) error
}

// Log is the append-only record of committed ledger transitions. It numbers
// every event, keeps a bounded in-memory tail and forwards entries to
// subscribers and sinks.
type Log struct {
	mu          sync.Mutex
	seq         uint64
	history     []Entry
	capacity    int
	subscribers map[int]chan Entry
	nextSub     int
	sinks       []Sink
	sinkErrors  uint64
	dropped     uint64
	logger      *slog.Logger
	nowFn       func() time.Time
}

// LogOption customises a Log.
type LogOption func(*Log)

// WithStartSequence resumes numbering after seq, e.g. from a durable sink.
func WithStartSequence(seq uint64) LogOption {
	return func(l *Log) { l.seq = seq }
}

// WithSink adds a durable sink.
func WithSink(sink Sink) LogOption {
	return func(l *Log) {
		if sink != nil {
			l.sinks = append(l.sinks, sink)
		}
	}
}

func WithLogger(logger *slog.Logger) LogOption {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithClock(now func() time.Time) LogOption {
	return func(l *Log) {
		if now != nil {
			l.nowFn = now
		}
	}
}

// NewLog creates a log keeping the last capacity entries in memory.
func NewLog(capacity int, opts ...LogOption) *Log {
	if capacity <= 0 {
		capacity = DefaultHistory
	}
	l := &Log{
		capacity:    capacity,
		subscribers: make(map[int]chan Entry),
		logger:      slog.Default(),
		nowFn:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Emit implements Emitter.
func (l *Log) Emit(evt Event) {
	if evt == nil {
		return
	}
	l.Append(evt.Event())
}

// Append records evt and returns the resulting entry.
func (l *Log) Append(evt *types.Event) Entry {
	if evt == nil {
		return Entry{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	entry := Entry{
		Sequence:   l.seq,
		ID:         uuid.NewString(),
		Type:       evt.Type,
		Attributes: evt.Clone().Attributes,
		RecordedAt: l.nowFn().UTC(),
	}
	l.history = append(l.history, entry)
	if len(l.history) > l.capacity {
		l.history = append(l.history[:0:0], l.history[len(l.history)-l.capacity:]...)
	}
	for _, sink := range l.sinks {
		if err := sink.Append(context.Background(), entry); err != nil {
			l.sinkErrors++
			l.logger.Error("event sink append failed",
				slog.Uint64("sequence", entry.Sequence),
				slog.String("type", entry.Type),
				slog.Any("error", err))
		}
	}
	for id, ch := range l.subscribers {
		select {
		case ch <- entry:
		default:
			l.dropped++
			l.logger.Warn("event subscriber lagging, entry dropped",
				slog.Int("subscriber", id),
				slog.Uint64("sequence", entry.Sequence))
		}
	}
	return entry
}

// Since returns up to limit retained entries with a sequence above after.
// A non-positive limit returns everything retained.
func (l *Log) Since(after uint64, limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0)
	for _, entry := range l.history {
		if entry.Sequence <= after {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Sequence returns the sequence of the most recent entry.
func (l *Log) Sequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Subscribe registers a channel receiving every new entry. Entries are
// dropped for a subscriber whose buffer is full. The returned function
// unsubscribes and closes the channel.
func (l *Log) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Entry, buffer)
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subscribers[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subscribers, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}

// Stats reports sink failures and entries dropped for slow subscribers.
func (l *Log) Stats() (sinkErrors, dropped uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sinkErrors, l.dropped
}
