package cwlogs

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"testing"
)

func gzipJSON(t *testing.T, js string) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(js)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

const dataPayload = `{
	"messageType": "DATA_MESSAGE",
	"owner": "123456789012",
	"logGroup": "/aws/lambda/api",
	"logStream": "2021/01/01/[$LATEST]abc",
	"subscriptionFilters": ["all"],
	"logEvents": [
		{"id": "361699", "timestamp": 1609459200123, "message": "hello"},
		{"id": "361700", "timestamp": 1609459201456, "message": "world"}
	]
}`

func TestDecode_Gzip(t *testing.T) {
	p, err := Decode(gzipJSON(t, dataPayload))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if p.MessageType != MessageTypeData {
		t.Fatalf("MessageType=%q want=%q", p.MessageType, MessageTypeData)
	}
	if p.IsControl() {
		t.Fatalf("expected data message")
	}
	if p.Owner != "123456789012" {
		t.Fatalf("Owner=%q", p.Owner)
	}
	if p.LogGroup != "/aws/lambda/api" {
		t.Fatalf("LogGroup=%q", p.LogGroup)
	}
	if len(p.LogEvents) != 2 {
		t.Fatalf("LogEvents=%d want=2", len(p.LogEvents))
	}
	if p.LogEvents[0].ID != "361699" || p.LogEvents[0].Timestamp != 1609459200123 || p.LogEvents[0].Message != "hello" {
		t.Fatalf("unexpected first event: %+v", p.LogEvents[0])
	}
}

func TestDecode_Base64WrappedGzip(t *testing.T) {
	raw := gzipJSON(t, dataPayload)
	b64 := []byte(base64.StdEncoding.EncodeToString(raw))

	p, err := Decode(b64)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(p.LogEvents) != 2 {
		t.Fatalf("LogEvents=%d want=2", len(p.LogEvents))
	}
}

func TestDecode_ControlMessage(t *testing.T) {
	p, err := Decode(gzipJSON(t, `{"messageType":"CONTROL_MESSAGE","logEvents":[]}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !p.IsControl() {
		t.Fatalf("expected control message")
	}
	if len(p.LogEvents) != 0 {
		t.Fatalf("LogEvents=%d want=0", len(p.LogEvents))
	}
}

func TestDecode_RejectsGarbage(t *testing.T) {
	cases := map[string][]byte{
		"empty":            nil,
		"too short":        {0x1f},
		"not gzip or b64":  []byte("%%not-base64%%"),
		"b64 but not gzip": []byte(base64.StdEncoding.EncodeToString([]byte("plain text"))),
		"truncated gzip":   {0x1f, 0x8b, 0x08},
	}
	for name, raw := range cases {
		if _, err := Decode(raw); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDecode_RejectsGzippedNonJSON(t *testing.T) {
	if _, err := Decode(gzipJSON(t, "not json")); err == nil {
		t.Fatalf("expected error")
	}
}
