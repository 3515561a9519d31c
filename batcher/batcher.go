package batcher

import (
	"errors"
	"time"

	"github.com/loghose/loghose/source"
)

// Config bounds a batch. Defaults follow the Firehose PutRecordBatch limits:
// at most 500 records and 4 MiB per call.
type Config struct {
	MaxRecords    int
	MaxBatchBytes int64
	FlushInterval time.Duration
}

var DefaultConfig = Config{
	MaxRecords:    500,
	MaxBatchBytes: 4 << 20,
	FlushInterval: time.Minute,
}

func (c Config) Validate() error {
	if c.MaxRecords <= 0 {
		return errors.New("MaxRecords must be > 0")
	}
	if c.MaxBatchBytes <= 0 {
		return errors.New("MaxBatchBytes must be > 0")
	}
	if c.FlushInterval <= 0 {
		return errors.New("FlushInterval must be > 0")
	}
	return nil
}

// Batcher accumulates items and the messages they came from until a size,
// count, or time threshold is reached. Not safe for concurrent use; the relay
// drives it from a single loop.
type Batcher[iType any] struct {
	cfg Config

	items []iType
	bytes int64
	acks  source.AckGroup

	deadline time.Time
	active   bool
}

func New[iType any](cfg Config) (*Batcher[iType], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Batcher[iType]{cfg: cfg}, nil
}

// Add appends all items produced by one message, tracking the message for
// acknowledgement. It reports whether the batch should be flushed now.
//
// A message may legitimately produce zero items (a control payload); it is
// still tracked so it gets acknowledged with the next flush.
func (b *Batcher[iType]) Add(now time.Time, items []iType, msg source.Message, sizeBytes int64) (flushNow bool) {
	if !b.active {
		b.active = true
		b.deadline = now.Add(b.cfg.FlushInterval)
	}

	b.items = append(b.items, items...)
	b.bytes += sizeBytes
	b.acks.Add(msg)

	if len(b.items) >= b.cfg.MaxRecords {
		return true
	}
	if b.bytes >= b.cfg.MaxBatchBytes {
		return true
	}
	return false
}

// Deadline reports when the current batch must be flushed, if one is open.
func (b *Batcher[iType]) Deadline() (t time.Time, ok bool) {
	if !b.active {
		return time.Time{}, false
	}
	return b.deadline, true
}

type Batch[iType any] struct {
	Items []iType
	Bytes int64
	Acks  source.AckGroup
}

// Empty reports whether the batch carries neither items nor pending acks.
func (b Batch[iType]) Empty() bool {
	return len(b.Items) == 0 && b.Acks.Len() == 0
}

// Flush hands the accumulated batch over and resets the batcher.
func (b *Batcher[iType]) Flush() Batch[iType] {
	out := Batch[iType]{
		Items: b.items,
		Bytes: b.bytes,
		Acks:  b.acks,
	}

	b.items = nil
	b.bytes = 0
	b.acks = source.AckGroup{}
	b.active = false
	b.deadline = time.Time{}

	return out
}
