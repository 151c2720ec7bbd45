package testing

import (
	"bytes"
	"os"
	"testing"
)

// GenerateTestData generates deterministic test data of the specified size.
func GenerateTestData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

// AssertDataEquals checks if two byte slices are equal.
func AssertDataEquals(t *testing.T, got, want []byte) {
	t.Helper()
	if bytes.Equal(got, want) {
		return
	}
	t.Errorf("data mismatch: got %d bytes, want %d bytes", len(got), len(want))
	for i := 0; i < len(got) && i < len(want); i++ {
		if got[i] != want[i] {
			t.Errorf("first difference at byte %d: got %02x, want %02x", i, got[i], want[i])
			return
		}
	}
}

// AssertFileEquals checks that the file at path holds exactly want.
func AssertFileEquals(t *testing.T, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	AssertDataEquals(t, got, want)
}

// WritePartial writes the first n bytes of data to path, simulating an
// interrupted download.
func WritePartial(t *testing.T, path string, data []byte, n int) {
	t.Helper()
	if err := os.WriteFile(path, data[:n], 0644); err != nil {
		t.Fatalf("writing partial file: %v", err)
	}
}
