package wlm

import (
	"errors"
	"io"
	"testing"
	"time"
)

func TestStreamingOrderAndTerminal(t *testing.T) {
	r := NewStreamingResult(4, time.Second)
	if err := r.Publish([]byte("a"), false); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := r.Publish([]byte("b"), true); err != nil {
		t.Fatalf("publish terminal: %v", err)
	}
	// publishing past the terminal chunk is discarded
	if err := r.Publish([]byte("c"), false); err != nil {
		t.Fatalf("post-terminal publish must be silent, got %v", err)
	}

	data, last, err := r.Next(time.Second)
	if err != nil || last || string(data) != "a" {
		t.Fatalf("first chunk: data=%q last=%v err=%v", data, last, err)
	}
	data, last, err = r.Next(time.Second)
	if err != nil || !last || string(data) != "b" {
		t.Fatalf("terminal chunk: data=%q last=%v err=%v", data, last, err)
	}
	if _, _, err := r.Next(time.Second); err != io.EOF {
		t.Fatalf("expected EOF after terminal, got %v", err)
	}
}

func TestStreamingNextTimeout(t *testing.T) {
	r := NewStreamingResult(1, time.Second)
	if _, _, err := r.Next(10 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout got %v", err)
	}
	// timeout does not end the stream
	if err := r.Publish([]byte("x"), true); err != nil {
		t.Fatalf("publish after timeout: %v", err)
	}
	if data, _, err := r.Next(time.Second); err != nil || string(data) != "x" {
		t.Fatalf("expected chunk after timeout, got %q err=%v", data, err)
	}
}

func TestStreamingCancelDiscardsPublishes(t *testing.T) {
	r := NewStreamingResult(1, time.Second)
	r.Cancel()
	r.Cancel() // idempotent
	if !r.Canceled() {
		t.Fatalf("expected canceled")
	}
	if err := r.Publish([]byte("x"), true); err != nil {
		t.Fatalf("publish after cancel must be discarded silently, got %v", err)
	}
	if _, _, err := r.Next(10 * time.Millisecond); !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled got %v", err)
	}
}

func TestStreamingBackpressure(t *testing.T) {
	r := NewStreamingResult(1, 20*time.Millisecond)
	if err := r.Publish([]byte("a"), false); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// buffer full and nobody draining: publish drops after the watermark
	start := time.Now()
	err := r.Publish([]byte("b"), false)
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("expected ErrBackpressure got %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("publish gave up before the watermark")
	}
}

func TestStreamingFailSurfacesError(t *testing.T) {
	r := NewStreamingResult(2, time.Second)
	boom := errors.New("boom")
	if err := r.Fail(boom); err != nil {
		t.Fatalf("fail: %v", err)
	}
	_, last, err := r.Next(time.Second)
	if !errors.Is(err, boom) || !last {
		t.Fatalf("expected boom terminal, got last=%v err=%v", last, err)
	}
	if _, _, err := r.Next(time.Second); err != io.EOF {
		t.Fatalf("expected EOF after error, got %v", err)
	}
}
