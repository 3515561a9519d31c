// Package cwlogs models the payload a CloudWatch Logs subscription filter
// writes to its destination stream: a gzip-compressed JSON document holding a
// batch of log events from one log stream.
package cwlogs

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// Message types carried in Payload.MessageType.
const (
	MessageTypeData    = "DATA_MESSAGE"
	MessageTypeControl = "CONTROL_MESSAGE"
)

type LogEvent struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
	Message   string `json:"message"`
}

type Payload struct {
	MessageType         string     `json:"messageType"`
	Owner               string     `json:"owner"`
	LogGroup            string     `json:"logGroup"`
	LogStream           string     `json:"logStream"`
	SubscriptionFilters []string   `json:"subscriptionFilters"`
	LogEvents           []LogEvent `json:"logEvents"`
}

// IsControl reports whether the payload is a subscription control message
// (emitted when the filter is created) rather than log data.
func (p *Payload) IsControl() bool {
	return p.MessageType != MessageTypeData
}

var gzipMagic = []byte{0x1f, 0x8b}

// Decode parses a subscription payload.
//
// The payload arrives gzip-compressed. Transports that cannot carry binary
// (an SQS body, for example) wrap it in base64 first; Decode recognizes both
// forms so sources can hand bytes over untouched.
func Decode(raw []byte) (*Payload, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("payload too short: %d bytes", len(raw))
	}

	if !bytes.HasPrefix(raw, gzipMagic) {
		dec := make([]byte, base64.StdEncoding.DecodedLen(len(raw)))
		n, err := base64.StdEncoding.Decode(dec, raw)
		if err != nil {
			return nil, fmt.Errorf("payload is neither gzip nor base64: %w", err)
		}
		raw = dec[:n]
		if !bytes.HasPrefix(raw, gzipMagic) {
			return nil, fmt.Errorf("base64 payload does not contain gzip data")
		}
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open gzip payload: %w", err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &p, nil
}
