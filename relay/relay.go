package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loghose/loghose/batcher"
	"github.com/loghose/loghose/encoder"
	"github.com/loghose/loghose/sink"
	"github.com/loghose/loghose/source"
	"github.com/loghose/loghose/transformer"
)

// Config tunes one Relay.
type Config struct {
	Batcher batcher.Config

	// MaxAttempts bounds delivery attempts per batch, including the first.
	MaxAttempts int

	// MaxRecordBytes caps one encoded record; Firehose rejects records over
	// 1000 KiB, so an oversized record is never sent and its owning message
	// is failed back to the source instead of poisoning the batch forever.
	MaxRecordBytes int64
}

var DefaultConfig = Config{
	Batcher:        batcher.DefaultConfig,
	MaxAttempts:    20,
	MaxRecordBytes: 1000 * 1024,
}

// Relay drives the pipeline: receive an envelope, transform it into
// documents, batch the encoded documents, and deliver batches to the sink
// honoring its partial-batch-failure contract. Acks are committed only after
// the batch has been delivered (or dead-lettered).
type Relay struct {
	cfg Config

	src  source.Sourcer
	tr   transformer.Transformer[source.Envelope, []transformer.Document]
	enc  encoder.Encoder[transformer.Document]
	snk  sink.Sinkr
	dead sink.DeadLetterer

	retry    RetryPolicy // between delivery attempts
	ackRetry RetryPolicy // for ack commit

	b   *batcher.Batcher[sink.Entry]
	log logrus.FieldLogger

	// lease
	leaseEnabled              bool
	leaseVisibilityTimeoutSec int32
	leaseRenewEvery           time.Duration
}

func New(
	cfg Config,
	src source.Sourcer,
	tr transformer.Transformer[source.Envelope, []transformer.Document],
	enc encoder.Encoder[transformer.Document],
	snk sink.Sinkr,
) (*Relay, error) {
	if src == nil {
		return nil, fmt.Errorf("source is nil")
	}
	if tr == nil {
		return nil, fmt.Errorf("transformer is nil")
	}
	if enc == nil {
		return nil, fmt.Errorf("encoder is nil")
	}
	if snk == nil {
		return nil, fmt.Errorf("sink is nil")
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.MaxRecordBytes <= 0 {
		cfg.MaxRecordBytes = DefaultConfig.MaxRecordBytes
	}

	b, err := batcher.New[sink.Entry](cfg.Batcher)
	if err != nil {
		return nil, err
	}

	return &Relay{
		cfg: cfg,
		src: src,
		tr:  tr,
		enc: enc,
		snk: snk,
		retry: SimpleRetry{
			Attempts:  cfg.MaxAttempts,
			BaseDelay: 100 * time.Millisecond,
			MaxDelay:  5 * time.Second,
			Jitter:    true,
		},
		ackRetry: nopRetry{},
		b:        b,
		log:      logrus.StandardLogger(),
	}, nil
}

// SetDeadLetter installs a destination for records that exhaust delivery
// attempts. Without one, an exhausted batch aborts Run.
func (r *Relay) SetDeadLetter(d sink.DeadLetterer) {
	r.dead = d
}

func (r *Relay) SetRetryPolicy(p RetryPolicy) {
	if p == nil {
		r.retry = nopRetry{}
		return
	}
	r.retry = p
}

func (r *Relay) SetAckRetryPolicy(p RetryPolicy) {
	if p == nil {
		r.ackRetry = nopRetry{}
		return
	}
	r.ackRetry = p
}

func (r *Relay) SetLogger(log logrus.FieldLogger) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r.log = log
}

// EnableLease keeps source visibility extended while a flush is in flight.
// Only effective when the source implements source.VisibilityExtender.
func (r *Relay) EnableLease(visibilityTimeoutSec int32, renewEvery time.Duration) {
	r.leaseEnabled = true
	r.leaseVisibilityTimeoutSec = visibilityTimeoutSec
	r.leaseRenewEvery = renewEvery
}

// Run processes messages until the context is canceled or the source closes,
// then flushes whatever is buffered.
func (r *Relay) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return r.flushRemainingOnStop(ctx)
		}

		recvCtx := ctx
		var cancel context.CancelFunc
		if deadline, ok := r.b.Deadline(); ok {
			recvCtx, cancel = context.WithDeadline(ctx, deadline)
		}
		msg, err := r.src.Receive(recvCtx)
		if cancel != nil {
			cancel()
		}

		if err != nil {
			// Deadline hit => time-based flush.
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				if err := r.flush(ctx); err != nil {
					return err
				}
				continue
			}

			// Source closed or context canceled: flush remaining and stop.
			if errors.Is(err, source.ErrClosed) {
				return r.flushRemainingOnStop(ctx)
			}
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return r.flushRemainingOnStop(ctx)
			}
			return err
		}

		flushNow, err := r.processMessage(ctx, msg)
		if err != nil {
			return err
		}
		if flushNow {
			if err := r.flush(ctx); err != nil {
				return err
			}
		}
	}
}

func (r *Relay) processMessage(ctx context.Context, msg source.Message) (flushNow bool, err error) {
	env := msg.Data()

	docs, err := r.tr.Transform(ctx, env)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"sequence_number": env.SequenceNumber,
			"partition_key":   env.PartitionKey,
		}).WithError(err).Warn("record not decodable, skipped")
		_ = msg.Fail(ctx, fmt.Errorf("%w: %w", ErrTransform, err))
		return false, nil
	}

	entries := make([]sink.Entry, 0, len(docs))
	var size int64
	for i := range docs {
		data, encErr := r.enc.Encode(ctx, docs[i])
		if encErr != nil {
			r.log.WithField("sequence_number", env.SequenceNumber).
				WithError(encErr).Warn("record not encodable, skipped")
			_ = msg.Fail(ctx, fmt.Errorf("%w: %w", ErrEncode, encErr))
			return false, nil
		}
		if int64(len(data)) > r.cfg.MaxRecordBytes {
			r.log.WithFields(logrus.Fields{
				"sequence_number": env.SequenceNumber,
				"record_bytes":    len(data),
				"limit_bytes":     r.cfg.MaxRecordBytes,
			}).Warn("record exceeds destination size limit, rejected")
			_ = msg.Fail(ctx, fmt.Errorf("%w: %d bytes over %d", ErrRecordTooLarge, len(data), r.cfg.MaxRecordBytes))
			return false, nil
		}
		entries = append(entries, sink.Entry{Data: data})
		size += int64(len(data))
	}

	flushNow = r.b.Add(time.Now(), entries, msg, size)
	return flushNow, nil
}

func (r *Relay) flush(ctx context.Context) error {
	batch := r.b.Flush()
	if batch.Empty() {
		return nil
	}

	var stopLease func()
	if r.leaseEnabled {
		if ext, ok := r.src.(source.VisibilityExtender); ok {
			stopLease = r.startLease(ctx, ext, batch.Acks.Metas())
		}
	}
	if stopLease != nil {
		defer stopLease()
	}

	if len(batch.Items) > 0 {
		if err := r.deliver(ctx, batch.Items); err != nil {
			return err
		}
	}

	// Ack only after successful delivery.
	if err := r.ackRetry.Do(ctx, func(ctx context.Context) error {
		return batch.Acks.Commit(ctx, r.src)
	}); err != nil {
		return fmt.Errorf("%w: %w", ErrAck, err)
	}
	return nil
}

// deliver puts entries to the sink, retrying only the rejected subset until
// everything is accepted or attempts run out. Exhausted entries go to the
// dead letter when one is configured.
func (r *Relay) deliver(ctx context.Context, entries []sink.Entry) error {
	pending := entries
	attempt := 0

	err := r.retry.Do(ctx, func(ctx context.Context) error {
		attempt++

		res, err := r.snk.Put(ctx, pending)
		if err != nil {
			r.log.WithFields(logrus.Fields{
				"attempt": attempt,
				"records": len(pending),
			}).WithError(err).Warn("batch delivery failed, retrying")
			return err
		}
		if len(res.Failed) == 0 {
			return nil
		}

		next := make([]sink.Entry, 0, len(res.Failed))
		codes := make(map[string]struct{}, 4)
		for _, f := range res.Failed {
			if f.Index < 0 || f.Index >= len(pending) {
				continue
			}
			next = append(next, pending[f.Index])
			if f.Code != "" {
				codes[f.Code] = struct{}{}
			}
		}
		pending = next

		codeList := make([]string, 0, len(codes))
		for c := range codes {
			codeList = append(codeList, c)
		}
		r.log.WithFields(logrus.Fields{
			"attempt":     attempt,
			"failed":      len(pending),
			"error_codes": strings.Join(codeList, ","),
		}).Warn("partial batch failure, retrying failed records")

		return fmt.Errorf("%d records failed: %s", len(pending), strings.Join(codeList, ","))
	})
	if err == nil {
		return nil
	}

	if r.dead != nil && len(pending) > 0 {
		if dlErr := r.dead.Save(ctx, pending); dlErr != nil {
			return fmt.Errorf("%w: %w", ErrDeadLetter, dlErr)
		}
		r.log.WithFields(logrus.Fields{
			"records":  len(pending),
			"attempts": attempt,
		}).Error("records dead-lettered after exhausting delivery attempts")
		return nil
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrSinkWrite, attempt, err)
}

func (r *Relay) startLease(
	parent context.Context,
	ext source.VisibilityExtender,
	metas []source.AckMetadata,
) (stop func()) {
	if len(metas) == 0 {
		return func() {}
	}

	renewEvery := r.leaseRenewEvery
	if renewEvery <= 0 {
		renewEvery = 20 * time.Second
	}

	ctx, cancel := context.WithCancel(parent)

	go func() {
		t := time.NewTicker(renewEvery)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := ext.ExtendVisibilityBatch(ctx, metas, r.leaseVisibilityTimeoutSec); err != nil {
					if ctx.Err() == nil {
						r.log.WithError(err).Warn("visibility lease extension failed")
					}
					return
				}
			}
		}
	}()

	return cancel
}

func (r *Relay) flushRemainingOnStop(ctx context.Context) error {
	// Best effort: keep values but ignore cancellation, and don't block forever.
	base := context.WithoutCancel(ctx)
	stopCtx, cancel := context.WithTimeout(base, 10*time.Second)
	defer cancel()

	return r.flush(stopCtx)
}
