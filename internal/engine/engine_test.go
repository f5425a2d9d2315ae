package engine

import (
	"bytes"
	"context"
	"testing"
)

func TestRegistryResolveAndDefault(t *testing.T) {
	r := NewRegistry()
	e := &Echo{}
	r.Register("echo", e)

	name, a, err := r.Resolve("")
	if err != nil {
		t.Fatalf("resolve default: %v", err)
	}
	if name != "echo" || a != Adapter(e) {
		t.Fatalf("expected default echo, got %q", name)
	}
	if _, _, err := r.Resolve("missing"); err == nil {
		t.Fatalf("expected unknown engine error")
	}
	if err := r.SetDefault("missing"); err == nil {
		t.Fatalf("expected SetDefault to reject unknown engine")
	}
}

func TestEchoStreamsPerJobChunks(t *testing.T) {
	e := &Echo{ChunkSize: 2}
	h, err := e.Load(context.Background(), LoadSpec{ModelID: "m1", URL: "file:///m1"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer e.Unload(h)

	var got [][]byte
	var lasts []bool
	var idxs []int
	err = e.Infer(context.Background(), h, [][]byte{[]byte("abcde"), []byte("x")}, func(c Chunk) error {
		got = append(got, c.Data)
		lasts = append(lasts, c.Last)
		idxs = append(idxs, c.JobIndex)
		return nil
	})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	// job 0 in three chunks, job 1 in one
	if len(got) != 4 {
		t.Fatalf("expected 4 chunks got %d", len(got))
	}
	joined := bytes.Join(got[:3], nil)
	if string(joined) != "abcde" {
		t.Fatalf("job 0 reassembly mismatch: %q", joined)
	}
	if !lasts[2] || lasts[0] || lasts[1] {
		t.Fatalf("terminal flags wrong: %v", lasts)
	}
	if idxs[3] != 1 || !lasts[3] {
		t.Fatalf("job 1 chunk wrong: idx=%d last=%v", idxs[3], lasts[3])
	}
}

func TestEchoLoadRequiresURL(t *testing.T) {
	e := &Echo{}
	if _, err := e.Load(context.Background(), LoadSpec{ModelID: "m1"}); err == nil {
		t.Fatalf("expected load error for empty url")
	}
}

func TestEchoUnloadSymmetry(t *testing.T) {
	e := &Echo{}
	h1, _ := e.Load(context.Background(), LoadSpec{ModelID: "a", URL: "u"})
	h2, _ := e.Load(context.Background(), LoadSpec{ModelID: "b", URL: "u"})
	if e.Loaded() != 2 {
		t.Fatalf("expected 2 loaded, got %d", e.Loaded())
	}
	e.Unload(h1)
	e.Unload(h2)
	if e.Loaded() != 0 {
		t.Fatalf("expected 0 loaded, got %d", e.Loaded())
	}
}
