package sink

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// DeadLetterS3 preserves undeliverable entries as an NDJSON object in S3,
// under a time-partitioned key, so they can be replayed later.
type DeadLetterS3 struct {
	client s3API

	bucket    string
	bucketPtr *string
	prefix    string
}

func NewDeadLetterS3(client s3API, bucket, prefix string) *DeadLetterS3 {
	if client == nil {
		panic("s3 client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		panic("bucket is required")
	}

	d := &DeadLetterS3{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
	d.bucketPtr = &d.bucket
	return d
}

func (d *DeadLetterS3) Save(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	key, err := d.objectKey(time.Now().UTC())
	if err != nil {
		return err
	}

	// Entries are already JSON documents; joining them with newlines yields
	// NDJSON without re-encoding.
	var buf bytes.Buffer
	for _, e := range entries {
		buf.Write(bytes.TrimRight(e.Data, "\n"))
		buf.WriteByte('\n')
	}

	cl := int64(buf.Len())
	ct := "application/x-ndjson"

	var body bytes.Reader
	body.Reset(buf.Bytes())

	input := s3.PutObjectInput{
		Bucket:        d.bucketPtr,
		Key:           &key,
		Body:          &body,
		ContentLength: &cl,
		ContentType:   &ct,
	}

	if _, err := d.client.PutObject(ctx, &input); err != nil {
		return fmt.Errorf("put s3 object key=%q: %w", key, err)
	}
	return nil
}

// objectKey partitions by hour and adds a random suffix so concurrent
// processes never collide.
func (d *DeadLetterS3) objectKey(now time.Time) (string, error) {
	suffix, err := randomHex(8)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("%04d/%02d/%02d/%02d/%d-%s.ndjson",
		now.Year(), int(now.Month()), now.Day(), now.Hour(), now.UnixNano(), suffix,
	)
	if d.prefix != "" {
		key = d.prefix + "/" + key
	}
	return key, nil
}

func randomHex(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
