package source

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	kintypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"
)

//
// Fakes
//

type fakeKinesisAPI struct {
	mu sync.Mutex

	shards []string

	// batches per shard, consumed one per GetRecords call
	batches map[string][][]kintypes.Record

	getRecordsErr  error // returned once, then cleared
	iterCalls      int
	iterFailures   int // fail this many GetShardIterator calls after the first
	lastIterInput  *kinesis.GetShardIteratorInput
	recordsCalls   int
	closeAfterLast bool // nil NextShardIterator once batches are drained
}

func (f *fakeKinesisAPI) ListShards(ctx context.Context, in *kinesis.ListShardsInput, _ ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := &kinesis.ListShardsOutput{}
	for _, id := range f.shards {
		out.Shards = append(out.Shards, kintypes.Shard{ShardId: aws.String(id)})
	}
	return out, nil
}

func (f *fakeKinesisAPI) GetShardIterator(ctx context.Context, in *kinesis.GetShardIteratorInput, _ ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.iterCalls++
	f.lastIterInput = in
	if f.iterCalls > 1 && f.iterFailures > 0 {
		f.iterFailures--
		return nil, errors.New("throttled")
	}
	it := "it-" + aws.ToString(in.ShardId)
	return &kinesis.GetShardIteratorOutput{ShardIterator: &it}, nil
}

func (f *fakeKinesisAPI) GetRecords(ctx context.Context, in *kinesis.GetRecordsInput, _ ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.recordsCalls++

	if f.getRecordsErr != nil {
		err := f.getRecordsErr
		f.getRecordsErr = nil
		return nil, err
	}

	// iterator names are "it-<shardID>"
	shardID := aws.ToString(in.ShardIterator)[3:]

	var recs []kintypes.Record
	if q := f.batches[shardID]; len(q) > 0 {
		recs = q[0]
		f.batches[shardID] = q[1:]
	}

	out := &kinesis.GetRecordsOutput{Records: recs}
	if f.closeAfterLast && len(f.batches[shardID]) == 0 && len(recs) == 0 {
		return out, nil // nil NextShardIterator: shard closed
	}
	next := aws.ToString(in.ShardIterator)
	out.NextShardIterator = &next
	return out, nil
}

func kinRec(seq, pk string, data []byte) kintypes.Record {
	return kintypes.Record{
		SequenceNumber: aws.String(seq),
		PartitionKey:   aws.String(pk),
		Data:           data,
	}
}

func testKinesisConfig() KinesisConfig {
	cfg := DefaultKinesisConfig
	cfg.PollInterval = 5 * time.Millisecond
	return cfg
}

//
// Tests
//

func TestKinesisSource_Receive_DeliversRecordsWithMetadata(t *testing.T) {
	f := &fakeKinesisAPI{
		shards: []string{"shardId-000"},
		batches: map[string][][]kintypes.Record{
			"shardId-000": {
				{kinRec("seq-1", "pk-a", []byte("one")), kinRec("seq-2", "pk-b", []byte("two"))},
			},
		},
	}

	s, err := NewKinesisWithConfig(context.Background(), f, "log-stream", testKinesisConfig())
	if err != nil {
		t.Fatalf("NewKinesisWithConfig: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m1, err := s.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	env := m1.Data()
	if string(env.Payload) != "one" || env.PartitionKey != "pk-a" || env.SequenceNumber != "seq-1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if n, ok := m1.EstimatedSizeBytes(); !ok || n != 3 {
		t.Fatalf("EstimatedSizeBytes=%d,%v", n, ok)
	}

	m2, err := s.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if m2.Data().SequenceNumber != "seq-2" {
		t.Fatalf("SequenceNumber=%q", m2.Data().SequenceNumber)
	}
}

func TestKinesisSource_PollsAllShards(t *testing.T) {
	f := &fakeKinesisAPI{
		shards: []string{"shardId-000", "shardId-001"},
		batches: map[string][][]kintypes.Record{
			"shardId-000": {{kinRec("a-1", "pk", []byte("a"))}},
			"shardId-001": {{kinRec("b-1", "pk", []byte("b"))}},
		},
	}

	s, err := NewKinesisWithConfig(context.Background(), f, "log-stream", testKinesisConfig())
	if err != nil {
		t.Fatalf("NewKinesisWithConfig: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		m, err := s.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		got[m.Data().SequenceNumber] = true
	}
	if !got["a-1"] || !got["b-1"] {
		t.Fatalf("missing shard records: %v", got)
	}
}

func TestKinesisSource_ReacquiresIteratorAfterError(t *testing.T) {
	f := &fakeKinesisAPI{
		shards: []string{"shardId-000"},
		batches: map[string][][]kintypes.Record{
			"shardId-000": {{kinRec("seq-1", "pk", []byte("one"))}},
		},
		getRecordsErr: errors.New("iterator expired"),
	}

	s, err := NewKinesisWithConfig(context.Background(), f, "log-stream", testKinesisConfig())
	if err != nil {
		t.Fatalf("NewKinesisWithConfig: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m, err := s.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if m.Data().SequenceNumber != "seq-1" {
		t.Fatalf("SequenceNumber=%q", m.Data().SequenceNumber)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.iterCalls < 2 {
		t.Fatalf("iterCalls=%d want>=2 (initial + re-acquire)", f.iterCalls)
	}
}

func TestKinesisSource_SurvivesTransientIteratorError(t *testing.T) {
	f := &fakeKinesisAPI{
		shards: []string{"shardId-000"},
		batches: map[string][][]kintypes.Record{
			"shardId-000": {{kinRec("seq-1", "pk", []byte("one"))}},
		},
		getRecordsErr: errors.New("iterator expired"),
		iterFailures:  1, // the first re-acquisition fails too
	}

	s, err := NewKinesisWithConfig(context.Background(), f, "log-stream", testKinesisConfig())
	if err != nil {
		t.Fatalf("NewKinesisWithConfig: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m, err := s.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive after transient errors: %v", err)
	}
	if m.Data().SequenceNumber != "seq-1" {
		t.Fatalf("SequenceNumber=%q", m.Data().SequenceNumber)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.iterCalls < 3 {
		t.Fatalf("iterCalls=%d want>=3 (initial, failed re-acquire, successful re-acquire)", f.iterCalls)
	}
}

func TestKinesisSource_ClosedShardEndsSource(t *testing.T) {
	f := &fakeKinesisAPI{
		shards: []string{"shardId-000"},
		batches: map[string][][]kintypes.Record{
			"shardId-000": {{kinRec("seq-1", "pk", []byte("one"))}},
		},
		closeAfterLast: true,
	}

	s, err := NewKinesisWithConfig(context.Background(), f, "log-stream", testKinesisConfig())
	if err != nil {
		t.Fatalf("NewKinesisWithConfig: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := s.Receive(ctx); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if _, err := s.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after shard end, got %v", err)
	}
}

func TestKinesisSource_StartPosition(t *testing.T) {
	cfg := testKinesisConfig()
	cfg.StartPosition = StartTrimHorizon

	f := &fakeKinesisAPI{shards: []string{"shardId-000"}}
	s, err := NewKinesisWithConfig(context.Background(), f, "log-stream", cfg)
	if err != nil {
		t.Fatalf("NewKinesisWithConfig: %v", err)
	}
	defer s.Close()

	deadline := time.After(2 * time.Second)
	for {
		f.mu.Lock()
		in := f.lastIterInput
		f.mu.Unlock()
		if in != nil {
			if in.ShardIteratorType != kintypes.ShardIteratorTypeTrimHorizon {
				t.Fatalf("iterator type=%q want trim horizon", in.ShardIteratorType)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("GetShardIterator never called")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestKinesisSource_AckBatchIsNoop(t *testing.T) {
	f := &fakeKinesisAPI{shards: []string{"shardId-000"}}
	s, err := NewKinesisWithConfig(context.Background(), f, "log-stream", testKinesisConfig())
	if err != nil {
		t.Fatalf("NewKinesisWithConfig: %v", err)
	}
	defer s.Close()

	if err := s.AckBatch(context.Background(), []Message{&kinesisMessage{}}); err != nil {
		t.Fatalf("AckBatch: %v", err)
	}
}
