// Package rdiff wraps the external rdiffdir-style signature/delta/patch
// binary and compresses the blobs that cross the wire with lz4.
//
// The delta algorithm itself is explicitly out of scope for this module:
// this package only shells out to it and moves bytes around.
package rdiff

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/pierrec/lz4/v4"
)

// DefaultBinary is the rdiffdir-compatible executable name looked up on
// PATH when a Tool is constructed with an empty binary.
const DefaultBinary = "rdiffdir"

// Tool invokes one rdiffdir-compatible binary.
type Tool struct {
	binary string
}

// New returns a Tool using binary, or DefaultBinary if binary is empty.
func New(binary string) *Tool {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Tool{binary: binary}
}

// Default is the package-level Tool most callers use.
var Default = New("")

// Signature runs `rdiffdir sig <path> -` and returns the signature bytes.
func (t *Tool) Signature(path string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.Command(t.binary, "sig", path, "-")
	cmd.Stdout = &out
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("rdiff: signature %q: %w", path, err)
	}
	return out.Bytes(), nil
}

// Delta runs `rdiffdir delta <sigfile> <path> -` against a locally held
// signature and returns the delta bytes.
func (t *Tool) Delta(sig []byte, path string) ([]byte, error) {
	sigFile, err := os.CreateTemp("", "rdiff-sig-*")
	if err != nil {
		return nil, fmt.Errorf("rdiff: create temp signature file: %w", err)
	}
	defer os.Remove(sigFile.Name())
	defer sigFile.Close()

	if _, err := sigFile.Write(sig); err != nil {
		return nil, fmt.Errorf("rdiff: write temp signature file: %w", err)
	}
	if err := sigFile.Close(); err != nil {
		return nil, fmt.Errorf("rdiff: close temp signature file: %w", err)
	}

	var out bytes.Buffer
	cmd := exec.Command(t.binary, "delta", sigFile.Name(), path, "-")
	cmd.Stdout = &out
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("rdiff: delta %q: %w", path, err)
	}
	return out.Bytes(), nil
}

// Patch runs `rdiffdir patch <path> <deltafile>`, mutating path in place.
func (t *Tool) Patch(path string, delta []byte) error {
	deltaFile, err := os.CreateTemp("", "rdiff-delta-*")
	if err != nil {
		return fmt.Errorf("rdiff: create temp delta file: %w", err)
	}
	defer os.Remove(deltaFile.Name())
	defer deltaFile.Close()

	if _, err := deltaFile.Write(delta); err != nil {
		return fmt.Errorf("rdiff: write temp delta file: %w", err)
	}
	if err := deltaFile.Close(); err != nil {
		return fmt.Errorf("rdiff: close temp delta file: %w", err)
	}

	cmd := exec.Command(t.binary, "patch", path, deltaFile.Name())
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("rdiff: patch %q: %w", path, err)
	}
	return nil
}

// Signature, Delta and Patch are package-level convenience wrappers around
// Default, used by callers that don't need a non-default binary path.
func Signature(path string) ([]byte, error)            { return Default.Signature(path) }
func Delta(sig []byte, path string) ([]byte, error)     { return Default.Delta(sig, path) }
func Patch(path string, delta []byte) error             { return Default.Patch(path, delta) }

// Compress lz4-frames data for the wire.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("rdiff: lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("rdiff: lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("rdiff: lz4 decompress: %w", err)
	}
	return out, nil
}
