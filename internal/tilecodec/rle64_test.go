package tilecodec

import (
	"encoding/base64"
	"math/rand"
	"testing"

	"github.com/adred-codev/gridcore/internal/domain"
)

func TestRoundTripAllZero(t *testing.T) {
	bits := make([]byte, domain.TileCellCount)
	enc, err := EncodeRLE64(bits)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := DecodeRLE64(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytesEqual(bits, dec) {
		t.Fatal("round trip mismatch for all-zero tile")
	}
}

func TestRoundTripRandomPatterns(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 50; trial++ {
		bits := make([]byte, domain.TileCellCount)
		for i := range bits {
			if rng.Intn(2) == 1 {
				bits[i] = 1
			}
		}
		enc, err := EncodeRLE64(bits)
		if err != nil {
			t.Fatalf("trial %d: encode: %v", trial, err)
		}
		dec, err := DecodeRLE64(enc)
		if err != nil {
			t.Fatalf("trial %d: decode: %v", trial, err)
		}
		if !bytesEqual(bits, dec) {
			t.Fatalf("trial %d: round trip mismatch", trial)
		}
	}
}

func TestRoundTripLongRunsSplit(t *testing.T) {
	// A run of all-ones longer than 255 must split into multiple pairs but
	// still round-trip exactly.
	bits := make([]byte, domain.TileCellCount)
	for i := range bits {
		bits[i] = 1
	}
	enc, err := EncodeRLE64(bits)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := DecodeRLE64(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytesEqual(bits, dec) {
		t.Fatal("round trip mismatch for long run")
	}
}

func TestDecodeRejectsOddByteCount(t *testing.T) {
	// One valid pair plus one trailing byte, base64-encoded.
	if _, err := DecodeRLE64("AQAB"); err == nil {
		t.Error("expected error for odd byte count")
	}
}

func TestDecodeRejectsBadBitValue(t *testing.T) {
	bits := make([]byte, domain.TileCellCount)
	enc, err := EncodeRLE64(bits)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := base64.StdEncoding.DecodeString(enc)
	raw[1] = 7 // corrupt the value byte of the first run
	corrupted := base64.StdEncoding.EncodeToString(raw)
	if _, err := DecodeRLE64(corrupted); err == nil {
		t.Error("expected error for out-of-domain bit value")
	}
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	short := make([]byte, domain.TileCellCount-1)
	// Encode manually bypassing EncodeRLE64's own length check.
	raw := []byte{byte(len(short)), 0}
	encoded := base64.StdEncoding.EncodeToString(raw)
	if _, err := DecodeRLE64(encoded); err == nil {
		t.Error("expected length mismatch error")
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
