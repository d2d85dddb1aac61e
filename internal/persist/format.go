// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package persist implementa o store em disco do substream de fila
// persistente: um arquivo de slots fixos com uma free list e uma saved
// list de mensagens pendentes, com commits ancorados em fsync para um
// crash no meio de uma escrita nunca corromper as listas.
package persist

import "encoding/binary"

const (
	magic uint32 = 0x544e4c53 // "TNLS"
	// formatVersion 3 identifica o formato corrente; a versão 1 é o
	// formato legado e é rejeitada na abertura.
	formatVersion       uint32 = 3
	legacyFormatVersion uint32 = 1
	sentinelIndex       uint32 = 0xFFFFFFFF
	headerSize                 = 36
	slotHeaderSize             = 28 // nextSlot(4) + flags(4) + length(4) + timeQueued(8) + timeout(8)
)

// Flags de slot.
const (
	flagNone        uint32 = 0
	flagTransmitted uint32 = 0x1
)

// Offsets em bytes dos campos do header dentro do arquivo.
const (
	hMagic         = 0
	hVersion       = 4
	hFlags         = 8
	hMaxMsgLength  = 12
	hMaxMsgCount   = 16
	hLastInSeqNum  = 20
	hLastOutSeqNum = 24
	hFreeListHead  = 28
	hSavedListHead = 32
)

// Offsets em bytes dos campos de slot, relativos à base do slot no arquivo.
const (
	sNextSlot   = 0
	sFlags      = 4
	sLength     = 8
	sTimeQueued = 12
	sTimeout    = 20
	sPayload    = slotHeaderSize
)

func putU32(b []byte, off int, v uint32) { binary.BigEndian.PutUint32(b[off:off+4], v) }
func getU32(b []byte, off int) uint32    { return binary.BigEndian.Uint32(b[off : off+4]) }
func putI64(b []byte, off int, v int64)  { binary.BigEndian.PutUint64(b[off:off+8], uint64(v)) }
func getI64(b []byte, off int) int64     { return int64(binary.BigEndian.Uint64(b[off : off+8])) }

func slotOffset(index uint32, slotSize int) int64 {
	return int64(headerSize) + int64(index)*int64(slotSize)
}
