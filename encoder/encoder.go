package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Encoder converts one typed record into its wire payload.
//
// Implementations must be safe for concurrent use unless documented otherwise.
type Encoder[iType any] interface {
	Encode(ctx context.Context, item iType) (data []byte, err error)
	ContentType() string
}

// JSON encodes records as compact JSON without HTML escaping, which would
// mangle log messages containing <, > or &.
type JSON[iType any] struct {
	// TrailingNewline appends '\n' to every record, which newline-delimited
	// ingestion destinations expect.
	TrailingNewline bool
}

func (e JSON[iType]) ContentType() string { return "application/json" }

func (e JSON[iType]) Encode(ctx context.Context, item iType) ([]byte, error) {
	_ = ctx

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(item); err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}

	b := buf.Bytes()
	if !e.TrailingNewline && len(b) > 0 && b[len(b)-1] == '\n' {
		b = b[:len(b)-1]
	}
	return b, nil
}
