// Package tilecodec implements the "rle64" wire encoding for a tile's bit
// array: runs of up to 255 identical bits, base64-framed.
package tilecodec

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/adred-codev/gridcore/internal/domain"
)

var (
	// ErrOddByteCount is returned when decoded run-length bytes don't pair up.
	ErrOddByteCount = errors.New("tilecodec: odd byte count in rle64 stream")
	// ErrBadBitValue is returned when a run's value byte isn't 0 or 1.
	ErrBadBitValue = errors.New("tilecodec: run value not in {0,1}")
	// ErrZeroRunLength is returned when a run-length byte is 0.
	ErrZeroRunLength = errors.New("tilecodec: zero-length run")
	// ErrLengthMismatch is returned when the decoded cell count doesn't
	// equal domain.TileCellCount.
	ErrLengthMismatch = errors.New("tilecodec: decoded length does not match tile cell count")
)

// EncodeRLE64 compresses a domain.TileCellCount-length array of 0/1 bytes
// into base64-framed (run_length, value) pairs. Runs longer than 255 are
// split into multiple pairs.
func EncodeRLE64(bits []byte) (string, error) {
	if len(bits) != domain.TileCellCount {
		return "", fmt.Errorf("%w: got %d, want %d", ErrLengthMismatch, len(bits), domain.TileCellCount)
	}

	raw := make([]byte, 0, len(bits)/4+2)
	i := 0
	for i < len(bits) {
		v := bits[i]
		if v != 0 && v != 1 {
			return "", fmt.Errorf("%w: %d at index %d", ErrBadBitValue, v, i)
		}
		run := 1
		for i+run < len(bits) && bits[i+run] == v && run < 255 {
			run++
		}
		raw = append(raw, byte(run), v)
		i += run
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeRLE64 reverses EncodeRLE64, validating even byte count, bit-value
// domain, and that the decoded length equals domain.TileCellCount exactly.
func DecodeRLE64(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("tilecodec: invalid base64: %w", err)
	}
	if len(raw)%2 != 0 {
		return nil, ErrOddByteCount
	}

	out := make([]byte, 0, domain.TileCellCount)
	for i := 0; i < len(raw); i += 2 {
		run, v := raw[i], raw[i+1]
		if run == 0 {
			return nil, ErrZeroRunLength
		}
		if v != 0 && v != 1 {
			return nil, fmt.Errorf("%w: %d", ErrBadBitValue, v)
		}
		for n := byte(0); n < run; n++ {
			out = append(out, v)
		}
	}
	if len(out) != domain.TileCellCount {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrLengthMismatch, len(out), domain.TileCellCount)
	}
	return out, nil
}
