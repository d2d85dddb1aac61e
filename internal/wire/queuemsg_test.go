// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestQueueRequest_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := QueueRequest{
		SubstreamID: 7,
		DomainType:  130,
		FromQueue:   "orders.inbound",
		LastOutSeq:  41,
		LastInSeq:   12,
	}
	if err := WriteQueueRequest(&buf, in); err != nil {
		t.Fatalf("WriteQueueRequest: %v", err)
	}
	if op, _ := PeekOpcode(&buf); QueueOpcode(op) != QOpRequest {
		t.Fatalf("expected opcode %d, got %d", QOpRequest, op)
	}
	out, err := ReadQueueRequest(&buf)
	if err != nil {
		t.Fatalf("ReadQueueRequest: %v", err)
	}
	if out != in {
		t.Errorf("expected %+v, got %+v", in, out)
	}
}

func TestQueueRefresh_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := QueueRefresh{SubstreamID: -3, LastOutSeq: 100, LastInSeq: 99, QueueDepth: 5}
	if err := WriteQueueRefresh(&buf, in); err != nil {
		t.Fatalf("WriteQueueRefresh: %v", err)
	}
	buf.Next(1) // opcode
	out, err := ReadQueueRefresh(&buf)
	if err != nil {
		t.Fatalf("ReadQueueRefresh: %v", err)
	}
	if out != in {
		t.Errorf("expected %+v, got %+v", in, out)
	}
}

func TestQueueData_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  QueueData
	}{
		{"small", QueueData{SubstreamID: 1, SeqNum: 9, FromQueue: "a", ToQueue: "b", TimeoutMs: 5000, Identifier: 3, ContainerType: 133, Payload: []byte("hello")}},
		{"possible duplicate", QueueData{SubstreamID: 2, Flags: QueueFlagPossibleDuplicate, SeqNum: 10, FromQueue: "src", ToQueue: "dst", TimeoutMs: -1, Identifier: 200, ContainerType: 128, Payload: []byte{1, 2, 3}}},
		{"immediate timeout empty payload", QueueData{SubstreamID: 3, SeqNum: 11, FromQueue: "x", ToQueue: "y", TimeoutMs: 0, ContainerType: 129}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			seqOff, err := WriteQueueData(&buf, tt.msg)
			if err != nil {
				t.Fatalf("WriteQueueData: %v", err)
			}
			raw := buf.Bytes()
			if got := binary.BigEndian.Uint32(raw[seqOff : seqOff+4]); got != tt.msg.SeqNum {
				t.Fatalf("seq num offset %d points at %d, want %d", seqOff, got, tt.msg.SeqNum)
			}

			r := NewFrameReader(raw[1:]) // opcode consumido pelo roteador
			out, err := ReadQueueData(r)
			if err != nil {
				t.Fatalf("ReadQueueData: %v", err)
			}
			if out.SubstreamID != tt.msg.SubstreamID || out.SeqNum != tt.msg.SeqNum ||
				out.FromQueue != tt.msg.FromQueue || out.ToQueue != tt.msg.ToQueue ||
				out.TimeoutMs != tt.msg.TimeoutMs || out.Identifier != tt.msg.Identifier ||
				out.ContainerType != tt.msg.ContainerType {
				t.Errorf("expected %+v, got %+v", tt.msg, out)
			}
			if !bytes.Equal(out.Payload, tt.msg.Payload) {
				t.Errorf("expected payload %v, got %v", tt.msg.Payload, out.Payload)
			}
			if out.PossibleDuplicate() != tt.msg.PossibleDuplicate() {
				t.Errorf("possible-duplicate flag mismatch")
			}
		})
	}
}

func TestQueueData_SeqNumPatch(t *testing.T) {
	var buf bytes.Buffer
	seqOff, err := WriteQueueData(&buf, QueueData{SubstreamID: 4, FromQueue: "a", ToQueue: "b", TimeoutMs: 100, ContainerType: 128, Payload: []byte("p")})
	if err != nil {
		t.Fatalf("WriteQueueData: %v", err)
	}
	raw := buf.Bytes()
	binary.BigEndian.PutUint32(raw[seqOff:seqOff+4], 77)

	out, err := ReadQueueData(NewFrameReader(raw[1:]))
	if err != nil {
		t.Fatalf("ReadQueueData: %v", err)
	}
	if out.SeqNum != 77 {
		t.Errorf("expected patched seq 77, got %d", out.SeqNum)
	}
}

func TestQueueAck_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := QueueAck{SubstreamID: 5, SeqNum: 42, Identifier: 9}
	if err := WriteQueueAck(&buf, in); err != nil {
		t.Fatalf("WriteQueueAck: %v", err)
	}
	buf.Next(1)
	out, err := ReadQueueAck(&buf)
	if err != nil {
		t.Fatalf("ReadQueueAck: %v", err)
	}
	if out != in {
		t.Errorf("expected %+v, got %+v", in, out)
	}
}

func TestQueueDeadLetter_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := QueueDeadLetter{SubstreamID: 6, Code: 1, FromQueue: "src", ToQueue: "dst", Payload: []byte("expired payload")}
	if err := WriteQueueDeadLetter(&buf, in); err != nil {
		t.Fatalf("WriteQueueDeadLetter: %v", err)
	}
	out, err := ReadQueueDeadLetter(NewFrameReader(buf.Bytes()[1:]))
	if err != nil {
		t.Fatalf("ReadQueueDeadLetter: %v", err)
	}
	if out.SubstreamID != in.SubstreamID || out.Code != in.Code || out.FromQueue != in.FromQueue || out.ToQueue != in.ToQueue {
		t.Errorf("expected %+v, got %+v", in, out)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Errorf("expected payload %q, got %q", in.Payload, out.Payload)
	}
}

func TestQueueData_Truncated(t *testing.T) {
	var buf bytes.Buffer
	if _, err := WriteQueueData(&buf, QueueData{SubstreamID: 1, FromQueue: "a", ToQueue: "b", TimeoutMs: 100, ContainerType: 128, Payload: []byte("p")}); err != nil {
		t.Fatalf("WriteQueueData: %v", err)
	}
	raw := buf.Bytes()
	// Corta no meio do campo de timeout.
	_, err := ReadQueueData(NewFrameReader(raw[1:10]))
	if !errors.Is(err, ErrIncompleteData) {
		t.Errorf("expected ErrIncompleteData, got %v", err)
	}
}

func TestQueueName_TooLong(t *testing.T) {
	long := make([]byte, maxQueueNameLength+1)
	for i := range long {
		long[i] = 'q'
	}
	var buf bytes.Buffer
	_, err := WriteQueueData(&buf, QueueData{SubstreamID: 1, FromQueue: string(long), ToQueue: "b", ContainerType: 128})
	if !errors.Is(err, ErrDecodeError) {
		t.Errorf("expected ErrDecodeError for oversized queue name, got %v", err)
	}
}
