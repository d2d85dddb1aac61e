// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package tunnelstream é a API pública do TunnelStream: canais de mensagens
// confiáveis, ordenados e com flow control sobre um transporte não
// confiável, com um substream opcional de fila persistente com entrega
// at-least-once e recovery após crash.
//
// O Engine é o contexto explícito que substitui qualquer estado global:
// ele é dono do pool de buffers, do reactor e do registro de túneis, e todo
// ponto de entrada público passa por ele.
package tunnelstream

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/kestrun/tunnelstream/internal/bufpool"
	"github.com/kestrun/tunnelstream/internal/cos"
	"github.com/kestrun/tunnelstream/internal/errinfo"
	"github.com/kestrun/tunnelstream/internal/observability"
	"github.com/kestrun/tunnelstream/internal/persist"
	"github.com/kestrun/tunnelstream/internal/queue"
	"github.com/kestrun/tunnelstream/internal/reactor"
	"github.com/kestrun/tunnelstream/internal/tunnel"
)

// Code é reexportado para os chamadores não precisarem importar
// internal/errinfo.
type Code = errinfo.Code

const (
	Success         = errinfo.Success
	Failure         = errinfo.Failure
	InvalidArgument = errinfo.InvalidArgument
	BufferNoBuffers = errinfo.BufferNoBuffers
	PersistenceFull = errinfo.PersistenceFull
	NoTunnelStream  = errinfo.NoTunnelStream
)

// CallbackAction é o retorno do callback de fila: Confirm consome o
// evento, Raise o redireciona para o callback de mensagem default com um
// wrapper sintetizado, e Reject o descarta.
type CallbackAction int

const (
	ActionConfirm CallbackAction = iota
	ActionRaise
	ActionReject
)

// Callbacks é o par de implementações que a aplicação fornece para receber
// eventos de um túnel.
type Callbacks interface {
	// StatusEvent reporta transições de estado do túnel.
	StatusEvent(h *TunnelHandle, status tunnel.Status)
	// DefaultMsg entrega uma mensagem opaca da aplicação.
	DefaultMsg(h *TunnelHandle, payload []byte, containerType byte)
	// QueueMsg entrega um evento do substream de fila.
	QueueMsg(h *TunnelHandle, event queue.Event) CallbackAction
}

// Config parametriza um Engine.
type Config struct {
	MaxFragmentSize int
	AppBufferLimit  int
	Tunnel          tunnel.Config
	Logger          *slog.Logger
	Clock           reactor.Clock

	// Reactor, quando presente, dirige process_timer/dispatch/fan-out de
	// cada túnel aberto sem o chamador precisar bombear Dispatch à mão.
	Reactor *reactor.Reactor
}

// Engine é o contexto que ancora todos os túneis de um processo.
type Engine struct {
	cfg    Config
	pool   *bufpool.Pool
	clock  reactor.Clock
	logger *slog.Logger

	mu      sync.Mutex
	tunnels map[int32]*TunnelHandle

	metrics tunnel.MetricsSink
}

// NewEngine cria um Engine com os defaults preenchidos.
func NewEngine(cfg Config) *Engine {
	if cfg.MaxFragmentSize <= 0 {
		cfg.MaxFragmentSize = 6144
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = reactor.SystemClock{}
	}
	if cfg.Tunnel.MaxRequestRetries == 0 && cfg.Tunnel.ResponseTimeoutMs == 0 {
		cfg.Tunnel = tunnel.DefaultConfig()
	}
	return &Engine{
		cfg:     cfg,
		pool:    bufpool.New(cfg.MaxFragmentSize, cfg.AppBufferLimit),
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		tunnels: make(map[int32]*TunnelHandle),
	}
}

// SessionsSnapshot lista os túneis abertos no formato que o endpoint
// /sessions da superfície de observabilidade serve; implementa
// observability.SessionsProvider.
func (e *Engine) SessionsSnapshot() []observability.SessionInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]observability.SessionInfo, 0, len(e.tunnels))
	for _, h := range e.tunnels {
		info := h.tun.Info()
		out = append(out, observability.SessionInfo{
			SessionID:          info.SessionID,
			State:              info.State.String(),
			LastOutSeq:         info.LastOutSeq,
			LastInSeq:          info.LastInSeq,
			BytesWaitingAck:    info.BytesWaitingAck,
			PeerRecvWindowSize: info.PeerRecvWindowSize,
		})
	}
	return out
}

// SetMetricsSink instala um destino de métricas aplicado a todo túnel
// criado depois da chamada.
func (e *Engine) SetMetricsSink(m tunnel.MetricsSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = m
}

// TunnelHandle identifica um túnel aberto neste Engine.
type TunnelHandle struct {
	engine    *Engine
	tun       *tunnel.Tunnel
	callbacks Callbacks
	cronID    cron.EntryID

	StreamID   int32
	DomainType byte
}

// attachReactor registra a cadência process_timer/dispatch/fan-out do túnel
// no reactor configurado.
func (e *Engine) attachReactor(h *TunnelHandle) {
	if e.cfg.Reactor == nil {
		return
	}
	id, err := e.cfg.Reactor.AddPeriodic("@every 1s", func() {
		h.tun.ProcessTimer(e.clock.NowMillis())
		if err := h.tun.Dispatch(); err != nil {
			e.logger.Error("tunnel dispatch failed", "stream_id", h.StreamID, "error", err)
		}
		e.fanout(h)
	})
	if err != nil {
		e.logger.Error("registering tunnel with reactor", "stream_id", h.StreamID, "error", err)
		return
	}
	h.cronID = id
}

// TunnelOptions descreve a abertura de um túnel.
type TunnelOptions struct {
	StreamID       int32
	DomainType     byte
	ClassOfService cos.ClassOfService
	Channel        reactor.Channel
	Callbacks      Callbacks
	// AuthToken é o token opaco repassado uma única vez no handshake
	// quando a autenticação negociada é omm_login. Nunca é interpretado.
	AuthToken *tunnel.AuthToken
}

// OpenTunnel abre um túnel no papel de consumer e inicia o handshake.
func (e *Engine) OpenTunnel(opts TunnelOptions) (*TunnelHandle, Code, error) {
	if opts.Channel == nil || opts.Callbacks == nil {
		return nil, InvalidArgument, errinfo.New(errinfo.CategoryProgrammer, "OpenTunnel requires a channel and callbacks")
	}
	if err := opts.ClassOfService.Validate(); err != nil {
		return nil, InvalidArgument, errinfo.Wrap(errinfo.CategoryProgrammer, err, "validating class of service")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tunnels[opts.StreamID]; exists {
		return nil, InvalidArgument, errinfo.New(errinfo.CategoryProgrammer, "stream id %d already open", opts.StreamID)
	}

	tun := tunnel.New(opts.StreamID, opts.DomainType, tunnel.RoleConsumer, opts.ClassOfService, e.pool, opts.Channel, e.clock, e.cfg.Tunnel, e.logger)
	if e.metrics != nil {
		tun.SetMetricsSink(e.metrics)
	}
	if err := tun.Start(); err != nil {
		return nil, Failure, err
	}
	h := &TunnelHandle{engine: e, tun: tun, callbacks: opts.Callbacks, StreamID: opts.StreamID, DomainType: opts.DomainType}
	e.tunnels[opts.StreamID] = h
	e.attachReactor(h)
	return h, Success, nil
}

// AcceptTunnel aceita, no papel de provider, um request validado por
// tunnel.ValidateRequest e abre o túnel com a classe de serviço negociada.
func (e *Engine) AcceptTunnel(req tunnel.OpenRequest, opts TunnelOptions) (*TunnelHandle, Code, error) {
	if opts.Channel == nil || opts.Callbacks == nil {
		return nil, InvalidArgument, errinfo.New(errinfo.CategoryProgrammer, "AcceptTunnel requires a channel and callbacks")
	}
	negotiated, status := tunnel.ValidateRequest(req)
	if status != nil {
		return nil, Failure, errinfo.New(errinfo.CategoryProtocol, "request rejected: %s", status.Text)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tunnels[opts.StreamID]; exists {
		return nil, InvalidArgument, errinfo.New(errinfo.CategoryProgrammer, "stream id %d already open", opts.StreamID)
	}

	tun := tunnel.New(opts.StreamID, opts.DomainType, tunnel.RoleProvider, *negotiated, e.pool, opts.Channel, e.clock, e.cfg.Tunnel, e.logger)
	if e.metrics != nil {
		tun.SetMetricsSink(e.metrics)
	}
	if err := tun.Start(); err != nil {
		return nil, Failure, err
	}
	if err := tun.AcceptAsProvider(*negotiated); err != nil {
		return nil, Failure, err
	}
	h := &TunnelHandle{engine: e, tun: tun, callbacks: opts.Callbacks, StreamID: opts.StreamID, DomainType: opts.DomainType}
	e.tunnels[opts.StreamID] = h
	e.attachReactor(h)
	return h, Success, nil
}

// RejectTunnel devolve o status de rejeição de um request inválido sem
// nunca criar o túnel; o chamador o envia ao peer.
func (e *Engine) RejectTunnel(req tunnel.OpenRequest, reason string) tunnel.Status {
	if _, status := tunnel.ValidateRequest(req); status != nil {
		return *status
	}
	return tunnel.Status{StreamState: tunnel.StreamStateClosed, DataState: tunnel.DataStateSuspect, Text: reason}
}

// lookup retorna o handle registrado ou NoTunnelStream.
func (e *Engine) lookup(h *TunnelHandle) (Code, error) {
	if h == nil {
		return NoTunnelStream, errinfo.New(errinfo.CategoryProgrammer, "nil tunnel handle")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if got, ok := e.tunnels[h.StreamID]; !ok || got != h {
		return NoTunnelStream, errinfo.New(errinfo.CategoryProgrammer, "stream id %d is not open", h.StreamID)
	}
	return Success, nil
}

// CompleteHandshake aplica ao túnel consumer o refresh que a camada de
// mensagens da aplicação recebeu do provider, com a classe de serviço
// negociada.
func (e *Engine) CompleteHandshake(h *TunnelHandle, negotiated cos.ClassOfService) (Code, error) {
	if code, err := e.lookup(h); err != nil {
		return code, err
	}
	if err := h.tun.CompleteHandshake(negotiated); err != nil {
		return classify(err), err
	}
	e.fanout(h)
	return Success, nil
}

// SubmitMsg enfileira uma mensagem opaca da aplicação no túnel.
func (e *Engine) SubmitMsg(h *TunnelHandle, payload []byte, containerType byte) (Code, error) {
	if code, err := e.lookup(h); err != nil {
		return code, err
	}
	if err := h.tun.SubmitMsg(payload, containerType); err != nil {
		return classify(err), err
	}
	return Success, nil
}

// GetBuffer aloca um buffer de aplicação do pool compartilhado.
func (e *Engine) GetBuffer(h *TunnelHandle, size int) (*bufpool.Buffer, Code, error) {
	if code, err := e.lookup(h); err != nil {
		return nil, code, err
	}
	buf, err := e.pool.GetAppBuffer(size)
	if err != nil {
		return nil, classify(err), err
	}
	return buf, Success, nil
}

// ReleaseBuffer devolve um buffer ao pool.
func (e *Engine) ReleaseBuffer(buf *bufpool.Buffer) {
	e.pool.Release(buf)
}

// OpenQueueSubstream abre um substream de fila dentro do túnel, opcional-
// mente ancorado em um arquivo de persistência já aberto.
func (e *Engine) OpenQueueSubstream(h *TunnelHandle, streamID int32, domainType byte, sourceQueue string, store *persist.Store) (*queue.Substream, Code, error) {
	if code, err := e.lookup(h); err != nil {
		return nil, code, err
	}
	sub, err := queue.Open(streamID, domainType, sourceQueue, store)
	if err != nil {
		return nil, classify(err), err
	}
	if err := h.tun.OpenSubstream(sub); err != nil {
		return nil, classify(err), err
	}
	return sub, Success, nil
}

// AcceptQueueSubstream registra, no lado provider, o substream local que
// atenderá ao request de abertura do peer quando ele chegar.
func (e *Engine) AcceptQueueSubstream(h *TunnelHandle, streamID int32, domainType byte, sourceQueue string, store *persist.Store) (*queue.Substream, Code, error) {
	if code, err := e.lookup(h); err != nil {
		return nil, code, err
	}
	sub, err := queue.Open(streamID, domainType, sourceQueue, store)
	if err != nil {
		return nil, classify(err), err
	}
	h.tun.AcceptSubstream(sub)
	return sub, Success, nil
}

// SendAck emite um ack imediato com a sequência cumulativa corrente e a
// janela de recepção anunciada, sem esperar o próximo deadline de ack.
func (e *Engine) SendAck(h *TunnelHandle) (Code, error) {
	if code, err := e.lookup(h); err != nil {
		return code, err
	}
	h.tun.SendAck()
	return Success, nil
}

// SubmitQueueMsg submete uma mensagem em um substream de fila aberto.
func (e *Engine) SubmitQueueMsg(h *TunnelHandle, sub *queue.Substream, toQueue string, payload []byte, timeoutMs int64, containerType byte) (Code, error) {
	if code, err := e.lookup(h); err != nil {
		return code, err
	}
	if _, err := sub.Submit(toQueue, payload, timeoutMs, containerType, e.clock.NowMillis()); err != nil {
		return classify(err), err
	}
	h.tun.MarkDispatchPending()
	return Success, nil
}

// CloseTunnel inicia o fechamento ordenado (FIN) ou, se o túnel nunca
// abriu, o fecha imediatamente, removendo-o do registro.
func (e *Engine) CloseTunnel(h *TunnelHandle, finalStatus bool) (Code, error) {
	if code, err := e.lookup(h); err != nil {
		return code, err
	}
	err := h.tun.InitiateClose()
	if e.cfg.Reactor != nil && h.cronID != 0 {
		e.cfg.Reactor.RemovePeriodic(h.cronID)
	}
	e.mu.Lock()
	delete(e.tunnels, h.StreamID)
	e.mu.Unlock()
	if err != nil {
		return classify(err), err
	}
	if finalStatus {
		h.callbacks.StatusEvent(h, tunnel.Status{StreamState: tunnel.StreamStateClosed, DataState: tunnel.DataStateOk, Text: "stream closed"})
	}
	return Success, nil
}

// GetInfo retorna o snapshot de estatísticas do túnel.
func (e *Engine) GetInfo(h *TunnelHandle) (tunnel.Info, Code, error) {
	if code, err := e.lookup(h); err != nil {
		return tunnel.Info{}, code, err
	}
	return h.tun.Info(), Success, nil
}

// Read entrega um frame recebido do canal ao túnel dono e em seguida drena
// os eventos resultantes para os callbacks.
func (e *Engine) Read(h *TunnelHandle, frame []byte) (Code, error) {
	if code, err := e.lookup(h); err != nil {
		return code, err
	}
	if err := h.tun.HandleInbound(frame); err != nil {
		return classify(err), err
	}
	e.fanout(h)
	return Success, nil
}

// Dispatch roda o par process_timer/dispatch de um túnel e drena eventos.
func (e *Engine) Dispatch(h *TunnelHandle) (Code, error) {
	if code, err := e.lookup(h); err != nil {
		return code, err
	}
	h.tun.ProcessTimer(e.clock.NowMillis())
	if err := h.tun.Dispatch(); err != nil {
		e.fanout(h)
		return classify(err), err
	}
	e.fanout(h)
	return Success, nil
}

// fanout entrega os eventos drenados aos callbacks da aplicação. Um
// QueueMsg que retorna ActionRaise é reapresentado ao callback default com
// o wrapper sintetizado do evento.
func (e *Engine) fanout(h *TunnelHandle) {
	for _, ev := range h.tun.DrainEvents() {
		switch ev.Kind {
		case tunnel.EventStatus:
			h.callbacks.StatusEvent(h, ev.Status)
		case tunnel.EventDefaultMsg:
			h.callbacks.DefaultMsg(h, ev.Payload, ev.ContainerType)
		case tunnel.EventQueueMsg:
			switch h.callbacks.QueueMsg(h, ev.QueueEvent) {
			case ActionRaise:
				wrapped, err := synthesizeQueueWrapper(ev.QueueEvent)
				if err != nil {
					e.logger.Error("synthesizing queue event wrapper", "error", err)
					continue
				}
				h.callbacks.DefaultMsg(h, wrapped, queueWrapperContainerType)
			case ActionReject:
				// Descartado pela aplicação.
			}
		}
	}
}

func classify(err error) Code {
	var ei *errinfo.ErrorInfo
	if !errors.As(err, &ei) {
		return Failure
	}
	switch ei.Category {
	case errinfo.CategoryProgrammer:
		return InvalidArgument
	case errinfo.CategoryResource:
		return BufferNoBuffers
	case errinfo.CategoryPersistence:
		return PersistenceFull
	default:
		return Failure
	}
}
