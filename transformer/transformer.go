package transformer

import (
	"context"
	"time"

	"github.com/loghose/loghose/cwlogs"
	"github.com/loghose/loghose/source"
)

// Transformer converts one value into another.
//
// In this project it typically converts a source.Envelope into the documents
// the delivery stream should carry.
type Transformer[I any, O any] interface {
	Transform(ctx context.Context, in I) (O, error)
}

// DocumentType tags every transformed document.
const DocumentType = "CloudWatchLogs"

// Document is the index-friendly shape of one log event.
type Document struct {
	Timestamp string `json:"timestamp"`
	ID        string `json:"id"`
	Type      string `json:"type"`
	Message   string `json:"@message"`
	Owner     string `json:"@owner"`
	LogGroup  string `json:"@log_group"`
	LogStream string `json:"@log_stream"`
}

const timestampLayout = "2006-01-02T15:04:05.000Z"

// LogEvents decodes CloudWatch Logs subscription envelopes into Documents.
//
// Control messages produce no documents and no error; undecodable payloads
// produce an error so the caller can fail the message. The output is a pure
// function of the envelope.
type LogEvents struct{}

func (LogEvents) Transform(ctx context.Context, env source.Envelope) ([]Document, error) {
	_ = ctx

	p, err := cwlogs.Decode(env.Payload)
	if err != nil {
		return nil, err
	}
	if p.IsControl() {
		return nil, nil
	}

	docs := make([]Document, 0, len(p.LogEvents))
	for _, ev := range p.LogEvents {
		docs = append(docs, Document{
			Timestamp: time.UnixMilli(ev.Timestamp).UTC().Format(timestampLayout),
			ID:        ev.ID,
			Type:      DocumentType,
			Message:   ev.Message,
			Owner:     p.Owner,
			LogGroup:  p.LogGroup,
			LogStream: p.LogStream,
		})
	}
	return docs, nil
}

var _ Transformer[source.Envelope, []Document] = LogEvents{}
