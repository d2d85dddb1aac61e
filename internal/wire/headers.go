// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DataHeader é o header estendido carregado por frames DATA/RETRANS a
// partir da stream version 1.
type DataHeader struct {
	Op                  Opcode // OpData or OpRetrans
	Fragmented          bool
	TotalLength         uint32
	FragmentNumber      uint32
	MessageID           uint16
	ContainerTypeOffset byte
}

// WriteDataHeader escreve o header estendido DATA/RETRANS.
// Formato: [Opcode 1B] [Flags 1B] ( [TotalLength 4B] [FragmentNumber 4B] [MessageID 2B] [ContainerTypeOffset 1B] )?
func WriteDataHeader(w io.Writer, h DataHeader) error {
	flags := byte(0)
	if h.Fragmented {
		flags = FlagFragmented
	}
	if _, err := w.Write([]byte{byte(h.Op), flags}); err != nil {
		return fmt.Errorf("writing data header opcode/flags: %w", err)
	}
	if !h.Fragmented {
		return nil
	}
	buf := make([]byte, 4+4+2+1)
	binary.BigEndian.PutUint32(buf[0:4], h.TotalLength)
	binary.BigEndian.PutUint32(buf[4:8], h.FragmentNumber)
	binary.BigEndian.PutUint16(buf[8:10], h.MessageID)
	buf[10] = h.ContainerTypeOffset
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing fragmentation fields: %w", err)
	}
	return nil
}

// ReadDataHeader lê o header estendido DATA/RETRANS. O byte de opcode já
// foi consumido pelo chamador e entra como op.
func ReadDataHeader(r io.Reader, op Opcode) (DataHeader, error) {
	var flagByte [1]byte
	if _, err := io.ReadFull(r, flagByte[:]); err != nil {
		return DataHeader{}, fmt.Errorf("%w: reading data header flags: %v", ErrIncompleteData, err)
	}
	h := DataHeader{Op: op, Fragmented: flagByte[0]&FlagFragmented != 0}
	if !h.Fragmented {
		return h, nil
	}
	buf := make([]byte, 4+4+2+1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return DataHeader{}, fmt.Errorf("%w: reading fragmentation fields: %v", ErrIncompleteData, err)
	}
	h.TotalLength = binary.BigEndian.Uint32(buf[0:4])
	h.FragmentNumber = binary.BigEndian.Uint32(buf[4:8])
	h.MessageID = binary.BigEndian.Uint16(buf[8:10])
	h.ContainerTypeOffset = buf[10]
	return h, nil
}

// AckHeader é o header estendido de ack.
type AckHeader struct {
	Flags             uint16
	CumulativeSeq     uint32
	NakRanges         []AckRange
	AckRanges         []AckRange
	ReceiveWindowSize int32
}

// WriteAckHeader escreve um frame ACK.
// Formato: [Opcode 1B] [Flags RB-u15] [CumulativeSeq 4B]
//
//	[NakCount 1B] (NakRange)* [AckCount 1B] (AckRange)* [ReceiveWindowSize 4B]
func WriteAckHeader(w io.Writer, h AckHeader) error {
	if _, err := w.Write([]byte{byte(OpAck)}); err != nil {
		return fmt.Errorf("writing ack opcode: %w", err)
	}
	if err := EncodeRBU15(w, h.Flags); err != nil {
		return fmt.Errorf("writing ack flags: %w", err)
	}
	var seqBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], h.CumulativeSeq)
	if _, err := w.Write(seqBuf[:]); err != nil {
		return fmt.Errorf("writing ack cumulative seq: %w", err)
	}
	if len(h.NakRanges) > 255 || len(h.AckRanges) > 255 {
		return fmt.Errorf("%w: too many ack/nak ranges", ErrDecodeError)
	}
	if err := writeRangeList(w, h.NakRanges); err != nil {
		return fmt.Errorf("writing nak ranges: %w", err)
	}
	if err := writeRangeList(w, h.AckRanges); err != nil {
		return fmt.Errorf("writing ack ranges: %w", err)
	}
	var winBuf [4]byte
	binary.BigEndian.PutUint32(winBuf[:], uint32(h.ReceiveWindowSize))
	if _, err := w.Write(winBuf[:]); err != nil {
		return fmt.Errorf("writing receive window size: %w", err)
	}
	return nil
}

func writeRangeList(w io.Writer, ranges []AckRange) error {
	if _, err := w.Write([]byte{byte(len(ranges))}); err != nil {
		return err
	}
	buf := make([]byte, 8)
	for _, rg := range ranges {
		binary.BigEndian.PutUint32(buf[0:4], rg.Lo)
		binary.BigEndian.PutUint32(buf[4:8], rg.Hi)
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

func readRangeList(r io.Reader) ([]AckRange, error) {
	var countBuf [1]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: reading range count: %v", ErrIncompleteData, err)
	}
	count := int(countBuf[0])
	if count == 0 {
		return nil, nil
	}
	ranges := make([]AckRange, 0, count)
	buf := make([]byte, 8)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("%w: reading range %d: %v", ErrIncompleteData, i, err)
		}
		ranges = append(ranges, AckRange{
			Lo: binary.BigEndian.Uint32(buf[0:4]),
			Hi: binary.BigEndian.Uint32(buf[4:8]),
		})
	}
	return ranges, nil
}

// ReadAckHeader lê um frame ACK. O byte de opcode já foi consumido pelo
// chamador.
func ReadAckHeader(r io.Reader) (AckHeader, error) {
	flags, err := DecodeRBU15(r)
	if err != nil {
		return AckHeader{}, fmt.Errorf("reading ack flags: %w", err)
	}
	var seqBuf [4]byte
	if _, err := io.ReadFull(r, seqBuf[:]); err != nil {
		return AckHeader{}, fmt.Errorf("%w: reading ack cumulative seq: %v", ErrIncompleteData, err)
	}
	naks, err := readRangeList(r)
	if err != nil {
		return AckHeader{}, fmt.Errorf("reading nak ranges: %w", err)
	}
	acks, err := readRangeList(r)
	if err != nil {
		return AckHeader{}, fmt.Errorf("reading ack ranges: %w", err)
	}
	var winBuf [4]byte
	if _, err := io.ReadFull(r, winBuf[:]); err != nil {
		return AckHeader{}, fmt.Errorf("%w: reading receive window size: %v", ErrIncompleteData, err)
	}
	return AckHeader{
		Flags:             flags,
		CumulativeSeq:     binary.BigEndian.Uint32(seqBuf[:]),
		NakRanges:         naks,
		AckRanges:         acks,
		ReceiveWindowSize: int32(binary.BigEndian.Uint32(winBuf[:])),
	}, nil
}

// PeekOpcode lê o byte único de opcode que começa todo header estendido de
// nível de túnel.
func PeekOpcode(r io.Reader) (Opcode, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: reading opcode: %v", ErrIncompleteData, err)
	}
	return Opcode(b[0]), nil
}
