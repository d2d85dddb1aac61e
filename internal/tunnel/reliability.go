// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package tunnel

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/kestrun/tunnelstream/internal/cos"
	"github.com/kestrun/tunnelstream/internal/errinfo"
	"github.com/kestrun/tunnelstream/internal/wire"
)

func (t *Tunnel) maxFragmentSize() int {
	if t.CoS.Common.MaxFragmentSize > 0 {
		return int(t.CoS.Common.MaxFragmentSize)
	}
	return 4096
}

// SubmitMsg enfileira uma mensagem de aplicação para transmissão,
// fragmentando-a se o payload exceder max_fragment_size. Não
// bloqueia: a mensagem entra na lista de transmissão e sai no próximo
// Dispatch.
func (t *Tunnel) SubmitMsg(payload []byte, containerType byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return errinfo.New(errinfo.CategoryProgrammer, "SubmitMsg called from state %s", t.state)
	}
	if containerType <= wire.ContainerTypeMin {
		return errinfo.New(errinfo.CategoryProgrammer, "container type %d is reserved", containerType)
	}
	ctOff := containerType - wire.ContainerTypeMin

	maxFrag := t.maxFragmentSize()
	if len(payload) <= maxFrag {
		buf, err := t.pool.GetInternalBuffer(len(payload))
		if err != nil {
			return err
		}
		copy(buf.Bytes(), payload)
		t.transmitList = append(t.transmitList, &pendingBuffer{buf: buf, containerTypeOff: ctOff})
		t.markDispatchPendingLocked()
		return nil
	}

	if t.CoS.Common.MaxMsgSize > 0 && uint32(len(payload)) > t.CoS.Common.MaxMsgSize {
		return errinfo.New(errinfo.CategoryProgrammer, "message of %d bytes exceeds max_msg_size %d", len(payload), t.CoS.Common.MaxMsgSize)
	}
	if !t.CoS.Common.SupportsFragmentation {
		return errinfo.New(errinfo.CategoryProgrammer, "message exceeds max_fragment_size and fragmentation is not negotiated")
	}

	t.nextMessageID++
	msgID := t.nextMessageID
	total := uint32(len(payload))
	fragNum := uint32(1)
	for off := 0; off < len(payload); off += maxFrag {
		end := off + maxFrag
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[off:end]
		buf, err := t.pool.GetInternalBuffer(len(chunk))
		if err != nil {
			return err
		}
		copy(buf.Bytes(), chunk)
		t.transmitList = append(t.transmitList, &pendingBuffer{
			buf:               buf,
			fragmented:        true,
			fragmentMessageID: msgID,
			fragmentNumber:    fragNum,
			totalLength:       total,
			containerTypeOff:  ctOff,
		})
		fragNum++
	}
	t.markDispatchPendingLocked()
	return nil
}

// Dispatch transmite tudo que está elegível na lista de transmissão,
// respeitando a janela de recepção do peer. Exportado também por
// implementar reactor.Dispatchable.
func (t *Tunnel) Dispatch() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dispatchLocked()
}

func (t *Tunnel) dispatchLocked() error {
	if t.state != StateOpen {
		return nil
	}
	t.pumpSubstreamsLocked()
	bidirectional := t.CoS.FlowControl.Type == cos.FlowControlBidirectional

	for len(t.transmitList) > 0 {
		if bidirectional && t.peerRecvWindowSize > 0 && t.bytesWaitingAck >= int(t.peerRecvWindowSize) {
			break
		}
		pb := t.transmitList[0]
		t.transmitList = t.transmitList[1:]

		isRetransmit := pb.transmitted
		if !isRetransmit {
			t.lastOutSeq++
			pb.seqNum = t.lastOutSeq
			if pb.fromSubstream != nil {
				subSeq, err := pb.fromSubstream.MarkTransmitted(pb.substreamMsg)
				if err != nil {
					t.logger.Error("marking substream message transmitted", "error", err)
				} else {
					binary.BigEndian.PutUint32(pb.buf.Bytes()[pb.subSeqOffset:pb.subSeqOffset+4], subSeq)
				}
			}
		}
		pb.op = wire.OpData
		if isRetransmit {
			pb.op = wire.OpRetrans
		}

		encoded, err := t.encodePendingBuffer(pb)
		if err != nil {
			return err
		}

		if t.pacer != nil && !t.pacer.AllowN(time.UnixMilli(t.clock.NowMillis()), len(encoded)) {
			// Acima do teto de bytes por segundo: devolve a entrada para a
			// frente da lista e encerra esta rodada de dispatch.
			t.transmitList = append([]*pendingBuffer{pb}, t.transmitList...)
			t.markDispatchPendingLocked()
			break
		}

		chBuf, err := t.channel.GetBuffer(len(encoded))
		if err != nil {
			// Canal sem espaço de buffer: devolve a entrada para a frente
			// da lista; o chamador tenta de novo quando houver espaço.
			t.transmitList = append([]*pendingBuffer{pb}, t.transmitList...)
			return err
		}
		copy(chBuf.Bytes(), encoded)
		if err := t.channel.Submit(chBuf); err != nil {
			t.channel.Release(chBuf)
			t.transmitList = append([]*pendingBuffer{pb}, t.transmitList...)
			return err
		}

		if isRetransmit {
			t.metrics.IncRetransmitsTotal()
		}
		pb.transmitted = true
		pb.expireAtMs = t.clock.NowMillis() + t.cfg.ResponseTimeoutMs
		t.bytesWaitingAck += len(encoded)
		t.metrics.SetBytesWaitingAck(float64(t.bytesWaitingAck))
		t.waitAckList = append(t.waitAckList, pb)
		sort.Slice(t.waitAckList, func(i, j int) bool { return wire.SeqLess(t.waitAckList[i].seqNum, t.waitAckList[j].seqNum) })
	}
	return nil
}

// HandleAck aplica um ack recebido à lista de espera de ack: o ack
// cumulativo libera um prefixo, as faixas seletivas liberam entradas
// internas, as faixas de nak recolocam entradas para retransmissão e a
// janela anunciada credita o flow control.
func (t *Tunnel) HandleAck(h wire.AckHeader) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.IncAcksTotal()
	t.peerRecvWindowSize = uint32(h.ReceiveWindowSize)

	acked := wire.NewAckRangeList()
	for _, rg := range h.AckRanges {
		acked.AddRange(rg.Lo, rg.Hi)
	}

	var kept []*pendingBuffer
	for _, pb := range t.waitAckList {
		switch {
		case !wire.SeqLess(h.CumulativeSeq, pb.seqNum):
			t.freeWaitAckEntry(pb)
		case acked.Contains(pb.seqNum):
			t.freeWaitAckEntry(pb)
		default:
			kept = append(kept, pb)
		}
	}
	t.waitAckList = kept

	for _, rg := range h.NakRanges {
		var stillWaiting []*pendingBuffer
		for _, pb := range t.waitAckList {
			if !wire.SeqLess(pb.seqNum, rg.Lo) && !wire.SeqLess(rg.Hi, pb.seqNum) {
				pb.transmitted = true // retransmissão, não um envio novo
				t.transmitList = append([]*pendingBuffer{pb}, t.transmitList...)
				continue
			}
			stillWaiting = append(stillWaiting, pb)
		}
		t.waitAckList = stillWaiting
	}

	if len(t.transmitList) > 0 {
		t.markDispatchPendingLocked()
	}
}

func (t *Tunnel) freeWaitAckEntry(pb *pendingBuffer) {
	// Desconta o mesmo comprimento codificado (header + corpo + payload)
	// que o dispatch somou.
	n := pb.buf.Len()
	if encoded, err := t.encodePendingBuffer(pb); err == nil {
		n = len(encoded)
	}
	t.bytesWaitingAck -= n
	if t.bytesWaitingAck < 0 {
		t.bytesWaitingAck = 0
	}
	t.metrics.SetBytesWaitingAck(float64(t.bytesWaitingAck))
	t.pool.Release(pb.buf)
}

// processRetransmitTimeouts percorre a lista de espera de ack atrás de
// entradas com deadline vencido e as recoloca como retransmissão; passar de
// MaxRequestRetries fecha o túnel.
func (t *Tunnel) processRetransmitTimeouts(nowMs int64) {
	var kept []*pendingBuffer
	for _, pb := range t.waitAckList {
		if nowMs < pb.expireAtMs {
			kept = append(kept, pb)
			continue
		}
		pb.retries++
		if pb.retries > t.cfg.MaxRequestRetries {
			t.transitionToClosedLocked("max retransmit retries exceeded")
			return
		}
		t.transmitList = append([]*pendingBuffer{pb}, t.transmitList...)
	}
	t.waitAckList = kept
	if len(t.transmitList) > 0 {
		t.markDispatchPendingLocked()
	}
}

func (t *Tunnel) transitionToClosedLocked(reason string) {
	t.state = StateClosed
	for _, sub := range t.substreams {
		sub.Close()
	}
	t.events = append(t.events, Event{Kind: EventStatus, Status: Status{StreamState: StreamStateClosed, DataState: DataStateSuspect, Text: reason}})
}
