// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package tunnel

import (
	"bytes"

	"github.com/kestrun/tunnelstream/internal/errinfo"
	"github.com/kestrun/tunnelstream/internal/queue"
	"github.com/kestrun/tunnelstream/internal/wire"
)

// OpenSubstream registra um substream de fila neste túnel e enfileira o
// request de abertura com o par (last_out_seq, last_in_seq) recuperado da
// persistência. O refresh do peer completa o handshake de recovery.
func (t *Tunnel) OpenSubstream(sub *queue.Substream) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return errinfo.New(errinfo.CategoryProgrammer, "OpenSubstream called from tunnel state %s", t.state)
	}
	lastOut, lastIn := sub.RequestSeqNums()
	var buf bytes.Buffer
	if err := wire.WriteQueueRequest(&buf, wire.QueueRequest{
		SubstreamID: sub.StreamID,
		DomainType:  sub.DomainType,
		FromQueue:   sub.SourceQueueName,
		LastOutSeq:  lastOut,
		LastInSeq:   lastIn,
	}); err != nil {
		return errinfo.Wrap(errinfo.CategoryProtocol, err, "encoding queue request")
	}
	if err := t.enqueueSubstreamFrameLocked(buf.Bytes(), nil, nil, 0); err != nil {
		return err
	}
	if err := sub.MarkRequestSent(); err != nil {
		return err
	}
	t.substreams[sub.StreamID] = sub
	t.markDispatchPendingLocked()
	return nil
}

// AcceptSubstream registra, no lado provider, um substream que responderá a
// um request de abertura do peer.
func (t *Tunnel) AcceptSubstream(sub *queue.Substream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.substreams[sub.StreamID] = sub
}

// enqueueSubstreamFrameLocked embrulha um frame de substream já codificado
// em um buffer interno e o coloca na lista de transmissão. sub/msg/seqOff
// só são preenchidos para QueueData, que precisa do patch de sequência na
// transmissão.
func (t *Tunnel) enqueueSubstreamFrameLocked(frame []byte, sub *queue.Substream, msg *queue.OutboundMessage, seqOff int) error {
	buf, err := t.pool.GetInternalBuffer(len(frame))
	if err != nil {
		return err
	}
	copy(buf.Bytes(), frame)
	pb := &pendingBuffer{
		buf:           buf,
		fromSubstream: sub,
		substreamMsg:  msg,
		subSeqOffset:  seqOff,
	}
	if msg != nil {
		pb.possibleDuplicate = msg.PossibleDuplicate
	}
	t.transmitList = append(t.transmitList, pb)
	return nil
}

// pumpSubstreamsLocked move as mensagens de saída prontas de cada substream
// para a lista de transmissão do túnel.
func (t *Tunnel) pumpSubstreamsLocked() {
	now := t.clock.NowMillis()
	for _, sub := range t.substreams {
		taken, err := sub.TakeOutbound(now)
		if err != nil {
			t.logger.Error("taking substream outbound messages", "substream", sub.StreamID, "error", err)
		}
		for _, tm := range taken {
			if err := t.enqueueSubstreamFrameLocked(tm.Encoded, sub, tm.Msg, tm.SeqNumOffset); err != nil {
				t.logger.Error("enqueueing substream message", "substream", sub.StreamID, "error", err)
				break
			}
		}
	}
}

// routeToSubstreamLocked entrega um payload encapsulado de substream ao
// substream dono, decodificando o opcode de fila que o inicia.
func (t *Tunnel) routeToSubstreamLocked(data []byte) {
	r := wire.NewFrameReader(data)
	op, err := wire.PeekOpcode(r)
	if err != nil {
		return
	}
	switch wire.QueueOpcode(op) {
	case wire.QOpRequest:
		req, err := wire.ReadQueueRequest(r)
		if err != nil {
			t.logger.Error("decoding queue request", "error", err)
			return
		}
		t.handleQueueRequestLocked(req)
	case wire.QOpRefresh:
		ref, err := wire.ReadQueueRefresh(r)
		if err != nil {
			t.logger.Error("decoding queue refresh", "error", err)
			return
		}
		sub, ok := t.substreams[ref.SubstreamID]
		if !ok {
			return
		}
		if err := sub.HandleRefresh(ref.LastOutSeq, ref.LastInSeq, ref.QueueDepth); err != nil {
			t.logger.Error("substream refresh failed", "substream", ref.SubstreamID, "error", err)
			return
		}
		t.drainSubstreamLocked(sub)
		t.markDispatchPendingLocked()
	case wire.QOpData:
		qd, err := wire.ReadQueueData(r)
		if err != nil {
			t.logger.Error("decoding queue data", "error", err)
			return
		}
		sub, ok := t.substreams[qd.SubstreamID]
		if !ok {
			return
		}
		ackSeq, deliver, err := sub.HandleData(qd)
		if err != nil {
			t.logger.Error("substream data failed", "substream", qd.SubstreamID, "error", err)
			return
		}
		if !deliver {
			return
		}
		t.drainSubstreamLocked(sub)
		var ack bytes.Buffer
		if err := wire.WriteQueueAck(&ack, wire.QueueAck{SubstreamID: qd.SubstreamID, SeqNum: ackSeq, Identifier: qd.Identifier}); err != nil {
			t.logger.Error("encoding queue ack", "error", err)
			return
		}
		if err := t.enqueueSubstreamFrameLocked(ack.Bytes(), nil, nil, 0); err != nil {
			t.logger.Error("enqueueing queue ack", "error", err)
			return
		}
		t.markDispatchPendingLocked()
	case wire.QOpAck:
		qa, err := wire.ReadQueueAck(r)
		if err != nil {
			t.logger.Error("decoding queue ack", "error", err)
			return
		}
		sub, ok := t.substreams[qa.SubstreamID]
		if !ok {
			return
		}
		if err := sub.HandleAck(qa.SeqNum); err != nil {
			t.logger.Error("substream ack failed", "substream", qa.SubstreamID, "error", err)
		}
		t.drainSubstreamLocked(sub)
	case wire.QOpDeadLetter:
		dl, err := wire.ReadQueueDeadLetter(r)
		if err != nil {
			t.logger.Error("decoding queue dead letter", "error", err)
			return
		}
		t.events = append(t.events, Event{Kind: EventQueueMsg, QueueEvent: queue.Event{
			Kind:      queue.EventDeadLetter,
			Code:      queue.UndeliverableCode(dl.Code),
			FromQueue: dl.FromQueue,
			ToQueue:   dl.ToQueue,
			Payload:   dl.Payload,
		}})
	}
}

// handleQueueRequestLocked responde, no lado provider, ao request de
// abertura de um substream previamente registrado via AcceptSubstream.
func (t *Tunnel) handleQueueRequestLocked(req wire.QueueRequest) {
	sub, ok := t.substreams[req.SubstreamID]
	if !ok {
		t.logger.Warn("queue request for unregistered substream", "substream", req.SubstreamID, "queue", req.FromQueue)
		return
	}
	refresh, err := sub.HandleRequest(req.LastOutSeq, req.LastInSeq)
	if err != nil {
		t.logger.Error("substream request failed", "substream", req.SubstreamID, "error", err)
		return
	}
	var buf bytes.Buffer
	if err := wire.WriteQueueRefresh(&buf, refresh); err != nil {
		t.logger.Error("encoding queue refresh", "error", err)
		return
	}
	if err := t.enqueueSubstreamFrameLocked(buf.Bytes(), nil, nil, 0); err != nil {
		t.logger.Error("enqueueing queue refresh", "error", err)
		return
	}
	t.markDispatchPendingLocked()
}

// drainSubstreamLocked repassa os eventos pendentes de um substream para a
// fila de eventos do túnel, de onde o registry de callbacks os entrega.
func (t *Tunnel) drainSubstreamLocked(sub *queue.Substream) {
	for _, e := range sub.DrainEvents() {
		t.events = append(t.events, Event{Kind: EventQueueMsg, QueueEvent: e})
	}
}
