// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package tunnel

import (
	"bytes"
	"fmt"

	"github.com/kestrun/tunnelstream/internal/wire"
)

// substreamContainerType é o container type reservado que marca um payload
// encapsulando uma mensagem do substream de fila em vez de uma mensagem
// opaca da aplicação. Usamos o menor container type legal como marcador; o
// payload encapsulado começa com um opcode de fila seguido do id do
// substream (ver internal/wire/queuemsg.go).
const substreamContainerType = wire.ContainerTypeMin

// HandleInbound decodifica um frame entregue pelo canal e o aplica ao
// estado do túnel, classificando-o como controle, dados ou mensagem
// encapsulada de substream.
func (t *Tunnel) HandleInbound(frame []byte) error {
	r := bytes.NewReader(frame)
	op, err := wire.PeekOpcode(r)
	if err != nil {
		return err
	}

	switch op {
	case wire.OpAck:
		h, err := wire.ReadAckHeader(r)
		if err != nil {
			return err
		}
		t.HandleAck(h)
		return nil
	case wire.OpData, wire.OpRetrans:
		h, err := wire.ReadDataHeader(r, op)
		if err != nil {
			return err
		}
		rest := make([]byte, r.Len())
		if _, err := r.Read(rest); err != nil {
			return fmt.Errorf("%w: reading data frame body", wire.ErrIncompleteData)
		}
		seqNum, possibleDuplicate, ctOff, payload, err := decodeDataFrame(rest)
		if err != nil {
			return err
		}
		return t.handleDataFrame(h, seqNum, possibleDuplicate, ctOff, payload)
	case wire.OpClose:
		t.handleClose()
		return nil
	case wire.OpRefresh, wire.OpStatus:
		// Corpos de refresh/status chegam pela classe de mensagem
		// encapsulada; aqui viram um evento de status sem interpretação
		// adicional do engine.
		t.mu.Lock()
		t.events = append(t.events, Event{Kind: EventStatus})
		t.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("%w: unknown opcode %d", wire.ErrDecodeError, op)
	}
}

func (t *Tunnel) handleDataFrame(h wire.DataHeader, seqNum uint32, possibleDuplicate bool, ctOff byte, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Entrega estritamente em ordem: chegadas fora de ordem são descartadas
	// e o ack cumulativo leva o peer a retransmitir.
	if seqNum != t.lastInSeq+1 {
		return nil
	}
	t.lastInSeq = seqNum
	t.lastInSeqAccepted = seqNum
	t.recvBytesSinceAck += len(payload)

	containerType := wire.ContainerTypeMin + ctOff
	data := payload
	complete := true
	if h.Fragmented {
		complete, data, containerType = t.reassembleFragment(h, payload)
	}
	if !complete {
		return nil
	}

	if containerType == substreamContainerType {
		t.routeToSubstreamLocked(data)
	} else {
		t.events = append(t.events, Event{Kind: EventDefaultMsg, Payload: data, ContainerType: containerType})
	}
	return nil
}
