package source

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	kintypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"
)

// Start positions for KinesisSource.
const (
	StartLatest      = "latest"
	StartTrimHorizon = "trim-horizon"
)

type KinesisConfig struct {
	// StartPosition selects where new shard iterators begin:
	// StartLatest or StartTrimHorizon.
	StartPosition string

	// PollInterval is the pause between GetRecords calls on an idle shard.
	// Kinesis allows at most 5 GetRecords calls per second per shard.
	PollInterval time.Duration

	// MaxRecords per GetRecords call (Kinesis caps at 10000).
	MaxRecords int32

	BufSize int
}

func (c *KinesisConfig) validate() {
	switch c.StartPosition {
	case StartLatest, StartTrimHorizon:
	default:
		panic("start position must be latest or trim-horizon")
	}
	if c.PollInterval <= 0 {
		panic("poll interval must be positive")
	}
	if c.MaxRecords < 1 || c.MaxRecords > 10000 {
		panic("max records must be between 1 and 10000")
	}
	if c.BufSize < 1 {
		panic("buffer size must be at least 1")
	}
}

var DefaultKinesisConfig = KinesisConfig{
	StartPosition: StartLatest,
	PollInterval:  time.Second,
	MaxRecords:    500,
	BufSize:       1024,
}

type kinesisAPI interface {
	ListShards(ctx context.Context, params *kinesis.ListShardsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error)
	GetShardIterator(ctx context.Context, params *kinesis.GetShardIteratorInput, optFns ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, params *kinesis.GetRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error)
}

// KinesisSource reads CloudWatch Logs subscription payloads from a Kinesis
// data stream, one poller goroutine per shard.
//
// Kinesis has no per-record delete, so AckBatch is a no-op and delivery is
// at-least-once within the lifetime of a process: a restart resumes from the
// configured start position. Closed shards end their poller once drained.
type KinesisSource struct {
	cfg KinesisConfig

	api           kinesisAPI
	streamName    string
	streamNamePtr *string

	bufCh chan *kintypes.Record

	closeOnce sync.Once
	cancel    context.CancelFunc

	wg sync.WaitGroup
}

func NewKinesis(ctx context.Context, client kinesisAPI, streamName string) (*KinesisSource, error) {
	return NewKinesisWithConfig(ctx, client, streamName, DefaultKinesisConfig)
}

func NewKinesisWithConfig(ctx context.Context, client kinesisAPI, streamName string, cfg KinesisConfig) (*KinesisSource, error) {
	if client == nil {
		panic("kinesis client is required")
	}
	if streamName == "" {
		panic("stream name is required")
	}
	cfg.validate()

	ctx, cancel := context.WithCancel(ctx)

	s := &KinesisSource{
		cfg:        cfg,
		api:        client,
		streamName: streamName,
		bufCh:      make(chan *kintypes.Record, cfg.BufSize),
		cancel:     cancel,
	}
	s.streamNamePtr = &s.streamName

	shards, err := s.listShards(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	s.startPollers(ctx, shards)
	return s, nil
}

func (s *KinesisSource) listShards(ctx context.Context) ([]string, error) {
	var (
		shards []string
		next   *string
	)
	for {
		in := &kinesis.ListShardsInput{}
		if next != nil {
			in.NextToken = next
		} else {
			in.StreamName = s.streamNamePtr
		}

		out, err := s.api.ListShards(ctx, in)
		if err != nil {
			return nil, err
		}
		for _, sh := range out.Shards {
			shards = append(shards, aws.ToString(sh.ShardId))
		}
		if out.NextToken == nil {
			return shards, nil
		}
		next = out.NextToken
	}
}

func (s *KinesisSource) startPollers(ctx context.Context, shards []string) {
	s.wg.Add(len(shards))
	for _, shardID := range shards {
		go func(shardID string) {
			defer s.wg.Done()
			s.pollShard(ctx, shardID)
		}(shardID)
	}
	go func() {
		s.wg.Wait()
		close(s.bufCh)
	}()
}

func (s *KinesisSource) shardIterator(ctx context.Context, shardID, afterSeq string) (*string, error) {
	in := &kinesis.GetShardIteratorInput{
		StreamName: s.streamNamePtr,
		ShardId:    &shardID,
	}

	switch {
	case afterSeq != "":
		in.ShardIteratorType = kintypes.ShardIteratorTypeAfterSequenceNumber
		in.StartingSequenceNumber = &afterSeq
	case s.cfg.StartPosition == StartTrimHorizon:
		in.ShardIteratorType = kintypes.ShardIteratorTypeTrimHorizon
	default:
		in.ShardIteratorType = kintypes.ShardIteratorTypeLatest
	}

	out, err := s.api.GetShardIterator(ctx, in)
	if err != nil {
		return nil, err
	}
	return out.ShardIterator, nil
}

// acquireIterator keeps requesting a shard iterator until it gets one or the
// context ends. Transient failures here must not kill the shard's poller.
func (s *KinesisSource) acquireIterator(ctx context.Context, shardID, afterSeq string) *string {
	for {
		it, err := s.shardIterator(ctx, shardID, afterSeq)
		if err == nil && it != nil {
			return it
		}
		select {
		case <-time.After(250 * time.Millisecond):
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *KinesisSource) pollShard(ctx context.Context, shardID string) {
	var lastSeq string

	it := s.acquireIterator(ctx, shardID, lastSeq)
	if it == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		out, err := s.api.GetRecords(ctx, &kinesis.GetRecordsInput{
			ShardIterator: it,
			Limit:         &s.cfg.MaxRecords,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Expired or otherwise unusable iterator: re-acquire after the
			// last delivered sequence number and keep going.
			select {
			case <-time.After(250 * time.Millisecond):
			case <-ctx.Done():
				return
			}

			it = s.acquireIterator(ctx, shardID, lastSeq)
			if it == nil {
				return
			}
			continue
		}

		for i := range out.Records {
			rec := &out.Records[i]
			select {
			case s.bufCh <- rec:
				lastSeq = aws.ToString(rec.SequenceNumber)
			case <-ctx.Done():
				return
			}
		}

		// A nil next iterator means the shard is closed and fully consumed.
		if out.NextShardIterator == nil {
			return
		}
		it = out.NextShardIterator

		if len(out.Records) == 0 {
			select {
			case <-time.After(s.cfg.PollInterval):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *KinesisSource) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
	})
}

func (s *KinesisSource) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r, ok := <-s.bufCh:
		if !ok {
			return nil, ErrClosed
		}
		return &kinesisMessage{rec: r}, nil
	}
}

// AckBatch is a no-op: Kinesis consumption position is not persisted here.
func (s *KinesisSource) AckBatch(ctx context.Context, msgs []Message) error {
	return nil
}

type kinesisMessage struct {
	rec *kintypes.Record
}

func (m *kinesisMessage) Data() Envelope {
	return Envelope{
		Payload:        m.rec.Data,
		PartitionKey:   aws.ToString(m.rec.PartitionKey),
		SequenceNumber: aws.ToString(m.rec.SequenceNumber),
	}
}

func (m *kinesisMessage) EstimatedSizeBytes() (int64, bool) {
	return int64(len(m.rec.Data)), true
}

// Fail is a no-op for Kinesis: the stream has no redelivery primitive, the
// relay logs and moves on.
func (m *kinesisMessage) Fail(ctx context.Context, reason error) error {
	return nil
}
