package sink

import "context"

// Entry is one encoded record headed for the delivery stream.
type Entry struct {
	Data []byte
}

// FailedEntry reports one entry the destination rejected, by its index in the
// submitted slice.
type FailedEntry struct {
	Index   int
	Code    string
	Message string
}

// Result is the partial-batch-failure outcome of a Put: entries not listed in
// Failed were accepted.
type Result struct {
	Failed []FailedEntry
}

// Sinkr delivers a batch of entries.
//
// A non-nil error means the whole call failed and nothing can be assumed
// delivered. A nil error with a non-empty Result.Failed means the destination
// accepted part of the batch; the caller retries just the failed subset.
type Sinkr interface {
	Put(ctx context.Context, entries []Entry) (Result, error)
}

// DeadLetterer preserves entries that exhausted delivery retries.
type DeadLetterer interface {
	Save(ctx context.Context, entries []Entry) error
}
