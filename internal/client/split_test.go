package client

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestBlockCount(t *testing.T) {
	const mib = 1 << 20
	tests := []struct {
		size, block int64
		want        int
	}{
		{0, mib, 0},
		{1, mib, 1},
		{mib, mib, 1},
		{mib + 1, mib, 2},
		{2*mib + mib/2, mib, 3},
		{10, 3, 4},
	}
	for _, tt := range tests {
		if got := BlockCount(tt.size, tt.block); got != tt.want {
			t.Errorf("BlockCount(%d, %d) = %d, want %d", tt.size, tt.block, got, tt.want)
		}
	}
}

func TestSplitter(t *testing.T) {
	data := []byte("abcdefghij")
	sp := NewSplitter(bytes.NewReader(data), int64(len(data)), 4)

	var blocks []string
	for {
		i, b, err := sp.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if i != len(blocks) {
			t.Fatalf("index = %d, want %d", i, len(blocks))
		}
		blocks = append(blocks, string(b))
	}
	want := []string{"abcd", "efgh", "ij"}
	if len(blocks) != len(want) {
		t.Fatalf("blocks = %q, want %q", blocks, want)
	}
	for i := range want {
		if blocks[i] != want[i] {
			t.Fatalf("blocks = %q, want %q", blocks, want)
		}
	}

	// Exhausted splitters stay exhausted.
	if _, _, err := sp.Next(); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestSplitter_IgnoresBytesPastSize(t *testing.T) {
	sp := NewSplitter(bytes.NewReader([]byte("abcdef")), 3, 2)
	_, b1, _ := sp.Next()
	_, b2, _ := sp.Next()
	if string(b1)+string(b2) != "abc" {
		t.Fatalf("got %q%q, want abc", b1, b2)
	}
	if _, _, err := sp.Next(); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestSplitter_ShortSource(t *testing.T) {
	sp := NewSplitter(bytes.NewReader([]byte("abc")), 8, 4)
	if _, _, err := sp.Next(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want io.ErrUnexpectedEOF", err)
	}

	sp = NewSplitter(bytes.NewReader(nil), 4, 4)
	if _, _, err := sp.Next(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("empty source err = %v, want io.ErrUnexpectedEOF", err)
	}
}
