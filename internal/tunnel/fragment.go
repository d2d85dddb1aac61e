// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package tunnel

import (
	"bytes"
	"fmt"

	"github.com/kestrun/tunnelstream/internal/wire"
)

// encodePendingBuffer monta o header estendido DATA/RETRANS seguido do
// corpo do frame: sequência, bit de possível duplicata, offset do container
// type e payload. Em frames fragmentados o container type também vai no
// header estendido, mas só no primeiro fragmento ele é significativo.
func (t *Tunnel) encodePendingBuffer(pb *pendingBuffer) ([]byte, error) {
	var buf bytes.Buffer
	h := wire.DataHeader{
		Op:                  pb.op,
		Fragmented:          pb.fragmented,
		TotalLength:         pb.totalLength,
		FragmentNumber:      pb.fragmentNumber,
		MessageID:           pb.fragmentMessageID,
		ContainerTypeOffset: pb.containerTypeOff,
	}
	if err := wire.WriteDataHeader(&buf, h); err != nil {
		return nil, fmt.Errorf("encoding pending buffer seq %d: %w", pb.seqNum, err)
	}
	var body [6]byte
	body[0] = byte(pb.seqNum >> 24)
	body[1] = byte(pb.seqNum >> 16)
	body[2] = byte(pb.seqNum >> 8)
	body[3] = byte(pb.seqNum)
	if pb.possibleDuplicate {
		body[4] = 1
	}
	body[5] = pb.containerTypeOff
	buf.Write(body[:])
	buf.Write(pb.buf.Bytes())
	return buf.Bytes(), nil
}

// decodeDataFrame lê a sequência, o byte de possível duplicata e o offset
// do container type que seguem o header estendido (a contraparte de
// encodePendingBuffer).
func decodeDataFrame(body []byte) (seqNum uint32, possibleDuplicate bool, ctOff byte, payload []byte, err error) {
	if len(body) < 6 {
		return 0, false, 0, nil, fmt.Errorf("%w: data frame body too short", wire.ErrIncompleteData)
	}
	seqNum = uint32(body[0])<<24 | uint32(body[1])<<16 | uint32(body[2])<<8 | uint32(body[3])
	possibleDuplicate = body[4] != 0
	ctOff = body[5]
	return seqNum, possibleDuplicate, ctOff, body[6:], nil
}

// reassembleFragment alimenta um fragmento na tabela de remontagem por
// message id. Retorna o payload completo e o container type quando o último
// fragmento chega; fragmentos podem chegar em qualquer ordem.
func (t *Tunnel) reassembleFragment(h wire.DataHeader, payload []byte) (complete bool, data []byte, containerType byte) {
	key := reassemblyCacheKey(h.MessageID)
	var ctx *reassemblyContext
	if cached, ok := t.reassembly.Get(key); ok {
		ctx = cached.(*reassemblyContext)
	} else {
		ctx = &reassemblyContext{
			totalLength:   h.TotalLength,
			containerType: wire.ContainerTypeMin + h.ContainerTypeOffset,
			data:          make([]byte, h.TotalLength),
		}
	}

	fragOffset := (h.FragmentNumber - 1) * uint32(t.maxFragmentSize())
	if fragOffset+uint32(len(payload)) > uint32(len(ctx.data)) {
		// Fragmento malformado estendendo além do tamanho total; descarta.
		return false, nil, 0
	}
	copy(ctx.data[fragOffset:], payload)
	ctx.bytesCopied += uint32(len(payload))

	if ctx.bytesCopied >= ctx.totalLength {
		t.reassembly.Delete(key)
		return true, ctx.data, ctx.containerType
	}
	t.reassembly.SetDefault(key, ctx)
	return false, nil, 0
}
