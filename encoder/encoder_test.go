package encoder

import (
	"context"
	"testing"
)

type rec struct {
	Message string `json:"@message"`
}

func TestJSON_Encode_NoHTMLEscaping(t *testing.T) {
	e := JSON[rec]{}

	b, err := e.Encode(context.Background(), rec{Message: "<b>&co"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	want := `{"@message":"<b>&co"}`
	if string(b) != want {
		t.Fatalf("got %q want %q", b, want)
	}
}

func TestJSON_Encode_TrailingNewline(t *testing.T) {
	e := JSON[rec]{TrailingNewline: true}

	b, err := e.Encode(context.Background(), rec{Message: "x"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(b) == 0 || b[len(b)-1] != '\n' {
		t.Fatalf("expected trailing newline, got %q", b)
	}
}

func TestJSON_Encode_Unencodable(t *testing.T) {
	e := JSON[chan int]{}

	if _, err := e.Encode(context.Background(), make(chan int)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestJSON_ContentType(t *testing.T) {
	if ct := (JSON[rec]{}).ContentType(); ct != "application/json" {
		t.Fatalf("ContentType=%q", ct)
	}
}
