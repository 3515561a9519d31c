package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	fhtypes "github.com/aws/aws-sdk-go-v2/service/firehose/types"
)

// PutRecordBatch limits.
const (
	maxRecordsPerCall = 500
	maxBytesPerCall   = 4 << 20
)

type firehoseAPI interface {
	PutRecordBatch(ctx context.Context, params *firehose.PutRecordBatchInput, optFns ...func(*firehose.Options)) (*firehose.PutRecordBatchOutput, error)
}

// Firehose delivers entries to a Kinesis Data Firehose delivery stream with
// PutRecordBatch, surfacing per-record failures through Result.
type Firehose struct {
	client firehoseAPI

	streamName    string
	streamNamePtr *string
}

func NewFirehose(client firehoseAPI, deliveryStreamName string) *Firehose {
	if client == nil {
		panic("firehose client is required")
	}
	if strings.TrimSpace(deliveryStreamName) == "" {
		panic("delivery stream name is required")
	}

	s := &Firehose{
		client:     client,
		streamName: deliveryStreamName,
	}
	s.streamNamePtr = &s.streamName
	return s
}

// Put submits entries in chunks that respect the PutRecordBatch limits and
// collects failed indexes across all chunks. An entry too large for any call
// is reported failed without being sent. A transport-level error aborts the
// call; entries from chunks already accepted are not re-reported.
func (s *Firehose) Put(ctx context.Context, entries []Entry) (Result, error) {
	var res Result

	records := make([]fhtypes.Record, 0, maxRecordsPerCall)
	indexes := make([]int, 0, maxRecordsPerCall)
	var chunkBytes int64

	flushChunk := func() error {
		if len(records) == 0 {
			return nil
		}
		out, err := s.client.PutRecordBatch(ctx, &firehose.PutRecordBatchInput{
			DeliveryStreamName: s.streamNamePtr,
			Records:            records,
		})
		if err != nil {
			return fmt.Errorf("put record batch stream=%q: %w", s.streamName, err)
		}

		if aws.ToInt32(out.FailedPutCount) > 0 {
			for i, rr := range out.RequestResponses {
				code := aws.ToString(rr.ErrorCode)
				if code == "" {
					continue
				}
				res.Failed = append(res.Failed, FailedEntry{
					Index:   indexes[i],
					Code:    code,
					Message: aws.ToString(rr.ErrorMessage),
				})
			}
		}

		records = records[:0]
		indexes = indexes[:0]
		chunkBytes = 0
		return nil
	}

	for i, e := range entries {
		size := int64(len(e.Data))
		if size > maxBytesPerCall {
			res.Failed = append(res.Failed, FailedEntry{
				Index:   i,
				Code:    "RecordTooLarge",
				Message: fmt.Sprintf("record of %d bytes exceeds the %d byte call limit", size, maxBytesPerCall),
			})
			continue
		}
		if len(records) == maxRecordsPerCall || chunkBytes+size > maxBytesPerCall {
			if err := flushChunk(); err != nil {
				return Result{}, err
			}
		}
		records = append(records, fhtypes.Record{Data: e.Data})
		indexes = append(indexes, i)
		chunkBytes += size
	}
	if err := flushChunk(); err != nil {
		return Result{}, err
	}

	return res, nil
}
