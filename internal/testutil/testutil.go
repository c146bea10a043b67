// Package testutil provides shared test helpers for the engine's unit tests.
package testutil

import (
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"
)

// TempDir creates a temporary directory that is removed when the test finishes.
func TempDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}

// MustMarshalJSON marshals v to JSON, failing the test if marshaling fails.
func MustMarshalJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// AssertErrorContains asserts that err is non-nil and its message contains substr.
func AssertErrorContains(t *testing.T, err error, substr string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got nil", substr)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("expected error containing %q, got %q", substr, err.Error())
	}
}

// ChunkedReader returns data in reads of at most the given sizes, cycling
// through sizes. It is used to split wire frames at arbitrary boundaries.
type ChunkedReader struct {
	data  []byte
	sizes []int
	next  int
}

// NewChunkedReader creates a reader over data. With no sizes every read
// returns one byte.
func NewChunkedReader(data []byte, sizes ...int) *ChunkedReader {
	if len(sizes) == 0 {
		sizes = []int{1}
	}
	return &ChunkedReader{data: data, sizes: sizes}
}

func (r *ChunkedReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.sizes[r.next%len(r.sizes)]
	r.next++
	if n <= 0 {
		n = 1
	}
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.data) {
		n = len(r.data)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

// Eventually polls cond every 5ms until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v: %s", timeout, msg)
	}
}
