// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"testing"
)

func TestDataHeader_RoundTrip_Fragmented(t *testing.T) {
	h := DataHeader{
		Op:                  OpData,
		Fragmented:          true,
		TotalLength:         1500,
		FragmentNumber:      2,
		MessageID:           42,
		ContainerTypeOffset: 5,
	}
	var buf bytes.Buffer
	if err := WriteDataHeader(&buf, h); err != nil {
		t.Fatalf("WriteDataHeader: %v", err)
	}
	op, err := PeekOpcode(&buf)
	if err != nil {
		t.Fatalf("PeekOpcode: %v", err)
	}
	got, err := ReadDataHeader(&buf, op)
	if err != nil {
		t.Fatalf("ReadDataHeader: %v", err)
	}
	if got != h {
		t.Errorf("round trip mismatch: want %+v, got %+v", h, got)
	}
}

func TestDataHeader_RoundTrip_Unfragmented(t *testing.T) {
	h := DataHeader{Op: OpRetrans}
	var buf bytes.Buffer
	if err := WriteDataHeader(&buf, h); err != nil {
		t.Fatalf("WriteDataHeader: %v", err)
	}
	op, _ := PeekOpcode(&buf)
	got, err := ReadDataHeader(&buf, op)
	if err != nil {
		t.Fatalf("ReadDataHeader: %v", err)
	}
	if got.Fragmented {
		t.Errorf("expected Fragmented=false")
	}
	if op != OpRetrans {
		t.Errorf("expected opcode RETRANS, got %v", op)
	}
}

func TestAckHeader_RoundTrip(t *testing.T) {
	h := AckHeader{
		Flags:             3,
		CumulativeSeq:     10,
		NakRanges:         []AckRange{{Lo: 3, Hi: 3}},
		AckRanges:         []AckRange{{Lo: 1, Hi: 2}, {Lo: 4, Hi: 9}},
		ReceiveWindowSize: 65535,
	}
	var buf bytes.Buffer
	if err := WriteAckHeader(&buf, h); err != nil {
		t.Fatalf("WriteAckHeader: %v", err)
	}
	op, err := PeekOpcode(&buf)
	if err != nil || op != OpAck {
		t.Fatalf("PeekOpcode = %v, %v", op, err)
	}
	got, err := ReadAckHeader(&buf)
	if err != nil {
		t.Fatalf("ReadAckHeader: %v", err)
	}
	if got.CumulativeSeq != h.CumulativeSeq || got.ReceiveWindowSize != h.ReceiveWindowSize {
		t.Errorf("scalar mismatch: want %+v, got %+v", h, got)
	}
	if len(got.NakRanges) != 1 || got.NakRanges[0] != h.NakRanges[0] {
		t.Errorf("nak ranges mismatch: want %v, got %v", h.NakRanges, got.NakRanges)
	}
	if len(got.AckRanges) != 2 {
		t.Errorf("ack ranges mismatch: want %v, got %v", h.AckRanges, got.AckRanges)
	}
}

func TestAckRangeList_AddMergeRemove(t *testing.T) {
	l := NewAckRangeList()
	l.Add(1)
	l.Add(2)
	l.Add(3)
	if len(l.Ranges()) != 1 || l.Ranges()[0] != (AckRange{Lo: 1, Hi: 3}) {
		t.Fatalf("expected merged range [1,3], got %v", l.Ranges())
	}
	l.Add(10)
	if len(l.Ranges()) != 2 {
		t.Fatalf("expected 2 disjoint ranges, got %v", l.Ranges())
	}
	l.Remove(2)
	if l.Contains(2) {
		t.Fatalf("expected 2 removed")
	}
	if !l.Contains(1) || !l.Contains(3) {
		t.Fatalf("expected 1 and 3 still present, got %v", l.Ranges())
	}
}

func TestSeqWraparound(t *testing.T) {
	var max32 uint32 = 0xFFFFFFFF
	if !SeqLess(max32, 0) {
		t.Errorf("expected wraparound: max32 < 0 under modular comparison")
	}
	if SeqLess(0, max32) {
		t.Errorf("expected wraparound: 0 is not < max32 under modular comparison")
	}
}
