// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"math"
	"testing"
)

func TestLSI64_RoundTrip(t *testing.T) {
	values := []int64{
		0, 1, -1, 127, -128, 128, -129, 32767, -32768, 32768,
		math.MaxInt32, math.MinInt32, math.MaxInt64, math.MinInt64,
		1 << 20, -(1 << 20),
	}
	for _, v := range values {
		var buf bytes.Buffer
		if err := EncodeLSI64(&buf, v); err != nil {
			t.Fatalf("EncodeLSI64(%d): %v", v, err)
		}
		got, err := DecodeLSI64(&buf)
		if err != nil {
			t.Fatalf("DecodeLSI64(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("round trip mismatch: want %d, got %d", v, got)
		}
	}
}

func TestLSI64_MinimalLength(t *testing.T) {
	cases := []struct {
		v       int64
		wantLen int
	}{
		{0, 0},
		{1, 1},
		{-1, 1},
		{127, 1},
		{-128, 1},
		{128, 2},
		{-129, 2},
	}
	for _, c := range cases {
		var buf bytes.Buffer
		if err := EncodeLSI64(&buf, c.v); err != nil {
			t.Fatalf("EncodeLSI64(%d): %v", c.v, err)
		}
		got := buf.Bytes()[0]
		if int(got) != c.wantLen {
			t.Errorf("EncodeLSI64(%d) length = %d, want %d", c.v, got, c.wantLen)
		}
	}
}

func TestLSI64_Truncated(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(4) // claims 4 bytes follow
	buf.Write([]byte{1, 2})
	if _, err := DecodeLSI64(&buf); err == nil {
		t.Fatal("expected error on truncated LS-i64")
	}
}

func TestRBU15_RoundTrip(t *testing.T) {
	for v := uint16(0); v < 0x8000; v += 37 {
		var buf bytes.Buffer
		if err := EncodeRBU15(&buf, v); err != nil {
			t.Fatalf("EncodeRBU15(%d): %v", v, err)
		}
		wantLen := 2
		if v < 0x80 {
			wantLen = 1
		}
		if buf.Len() != wantLen {
			t.Errorf("EncodeRBU15(%d) length = %d, want %d", v, buf.Len(), wantLen)
		}
		got, err := DecodeRBU15(&buf)
		if err != nil {
			t.Fatalf("DecodeRBU15(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("round trip mismatch: want %d, got %d", v, got)
		}
	}
}

func TestRBU15_RejectsOutOfRange(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeRBU15(&buf, 0x8000); err == nil {
		t.Fatal("expected error encoding value >= 0x8000")
	}
}
