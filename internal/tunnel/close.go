// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package tunnel

import (
	"bytes"

	"github.com/kestrun/tunnelstream/internal/errinfo"
	"github.com/kestrun/tunnelstream/internal/wire"
)

// ProcessTimer dirige os checks de deadline de retransmissão, a varredura
// de expiração dos substreams e a geração de ack periódico. O reactor chama
// ProcessTimer(now) e depois Dispatch; implementa reactor.Dispatchable.
func (t *Tunnel) ProcessTimer(nowMillis int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return
	}
	t.processRetransmitTimeouts(nowMillis)

	maxFrag := t.maxFragmentSize()
	for _, sub := range t.substreams {
		sub.ProcessTimer(nowMillis, maxFrag)
		t.drainSubstreamLocked(sub)
	}

	// O receptor manda ack quando sua janela drena abaixo da metade ou
	// quando o deadline de ack vence com dados recebidos sem confirmar.
	halfWindow := t.recvWindowSize / 2
	if t.recvWindowSize > 0 && uint32(t.recvBytesSinceAck) >= halfWindow {
		t.sendAckLocked()
	} else if t.recvBytesSinceAck > 0 && t.cfg.AckDeadlineMs > 0 && nowMillis-t.lastAckSentMs >= t.cfg.AckDeadlineMs {
		t.sendAckLocked()
	}
}

// sendAckLocked emite um frame de ack com a sequência cumulativa corrente e
// a janela de recepção anunciada. Passa por fora da lista de transmissão:
// acks não são eles próprios entregues de forma confiável.
func (t *Tunnel) sendAckLocked() {
	h := wire.AckHeader{CumulativeSeq: t.lastInSeq, ReceiveWindowSize: int32(t.recvWindowSize)}
	var buf bytes.Buffer
	if err := wire.WriteAckHeader(&buf, h); err != nil {
		t.logger.Error("encoding ack", "error", err)
		return
	}
	chBuf, err := t.channel.GetBuffer(buf.Len())
	if err != nil {
		return
	}
	copy(chBuf.Bytes(), buf.Bytes())
	if err := t.channel.Submit(chBuf); err != nil {
		t.channel.Release(chBuf)
		return
	}
	t.lastInAcked = t.lastInSeq
	t.recvBytesSinceAck = 0
	t.lastAckSentMs = t.clock.NowMillis()
}

// SendAck é a forma exportada para quem dirige o caminho de recepção
// diretamente e quer um ack imediato em vez de esperar o próximo tick de
// ProcessTimer.
func (t *Tunnel) SendAck() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendAckLocked()
}

// InitiateClose começa o fechamento ordenado: o iniciador manda FIN e
// espera o ack-of-FIN. Túneis que nunca abriram pulam o FIN e fecham
// imediatamente.
func (t *Tunnel) InitiateClose() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		if t.state == StateInactive || t.state == StateSendRequest || t.state == StateWaitRefresh {
			t.state = StateClosed
			return nil
		}
		return errinfo.New(errinfo.CategoryProgrammer, "InitiateClose called from state %s", t.state)
	}
	t.state = StateSendFin
	chBuf, err := t.channel.GetBuffer(1)
	if err != nil {
		return err
	}
	chBuf.Bytes()[0] = byte(wire.OpClose)
	if err := t.channel.Submit(chBuf); err != nil {
		t.channel.Release(chBuf)
		return err
	}
	t.state = StateWaitAckOfFin
	return nil
}

// handleClose processa um frame de close/FIN recebido. Se este lado já
// estava fechando, é o ack-of-FIN do peer; senão é um close iniciado pelo
// peer e este lado responde com o próprio status e ack antes de desmontar.
func (t *Tunnel) handleClose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateWaitAckOfFin:
		t.state = StateClosed
	default:
		t.state = StateSendAckOfFin
		t.sendAckLocked()
		t.state = StateClosed
	}
	for _, sub := range t.substreams {
		sub.Close()
	}
	t.events = append(t.events, Event{Kind: EventStatus, Status: Status{StreamState: StreamStateClosed, DataState: DataStateOk, Text: "stream closed"}})
}
