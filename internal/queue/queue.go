// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package queue implementa o substream de fila persistente: entrega
// ordenada por substream, expiração por timeout, geração de dead letters e
// síntese de acks locais durante o handshake de recovery.
package queue

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/kestrun/tunnelstream/internal/errinfo"
	"github.com/kestrun/tunnelstream/internal/persist"
	"github.com/kestrun/tunnelstream/internal/wire"
)

// State é o ciclo de vida do substream.
type State int

const (
	StateNotOpen State = iota
	StateWaitRefresh
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNotOpen:
		return "not_open"
	case StateWaitRefresh:
		return "wait_refresh"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// maxQueueNameLength limita nomes de fila de origem e destino.
const maxQueueNameLength = 200

// TimeoutKind classifica o comportamento de expiração de uma mensagem.
type TimeoutKind int

const (
	// TimeoutImmediate coloca a mensagem na lista de timeout imediato; ela
	// expira no próximo dispatch e nunca vai para o wire.
	TimeoutImmediate TimeoutKind = iota
	// TimeoutInfinite nunca expira.
	TimeoutInfinite
	// TimeoutDeadline carrega um deadline absoluto em ms.
	TimeoutDeadline
)

// Timeout é o timeout resolvido de uma mensagem submetida.
type Timeout struct {
	Kind       TimeoutKind
	DeadlineMs int64
}

// NewTimeout interpreta o timeout bruto de submissão: 0 é IMMEDIATE, valor
// negativo é INFINITE e valor positivo é ms convertidos para deadline
// absoluto.
func NewTimeout(rawMs int64, nowMs int64) Timeout {
	switch {
	case rawMs == 0:
		return Timeout{Kind: TimeoutImmediate}
	case rawMs < 0:
		return Timeout{Kind: TimeoutInfinite}
	default:
		return Timeout{Kind: TimeoutDeadline, DeadlineMs: nowMs + rawMs}
	}
}

// UndeliverableCode nomeia por que uma mensagem não pôde ser entregue.
type UndeliverableCode int

const (
	CodeNone UndeliverableCode = iota
	CodeExpired
	CodeMaxMsgSize
)

// EventKind distingue os eventos de fila repassados à aplicação.
type EventKind int

const (
	EventAck EventKind = iota
	EventDeadLetter
	EventRefresh
	EventData
)

// Event é uma ocorrência de fila, sintetizada localmente ou entregue pelo
// peer.
type Event struct {
	Kind       EventKind
	SeqNum     uint32
	Code       UndeliverableCode
	Payload    []byte
	FromQueue  string
	ToQueue    string
	Identifier uint16
	QueueDepth uint32
}

// OutboundMessage é uma mensagem do substream aguardando transmissão pelo
// túnel. O número de sequência só é atribuído em MarkTransmitted, no momento
// em que o frame vai para o canal.
type OutboundMessage struct {
	FromQueue         string
	ToQueue           string
	ContainerType     byte
	Payload           []byte
	Timeout           Timeout
	PossibleDuplicate bool
	Identifier        uint16

	persistRef  *persist.Msg
	seqNum      uint32
	transmitted bool
	taken       bool
}

// SeqNum retorna o número de sequência atribuído na transmissão (0 antes).
func (m *OutboundMessage) SeqNum() uint32 { return m.seqNum }

// Transmitted informa se a mensagem já foi para o wire ao menos uma vez.
func (m *OutboundMessage) Transmitted() bool { return m.transmitted }

// TakenMessage é uma mensagem pronta para o túnel: o frame QueueData já
// codificado e o offset do campo de sequência para o patch na transmissão.
type TakenMessage struct {
	Msg          *OutboundMessage
	Encoded      []byte
	SeqNumOffset int
}

// Substream é um fluxo fila-a-fila carregado dentro de um túnel.
type Substream struct {
	StreamID        int32
	DomainType      byte
	SourceQueueName string

	mu    sync.Mutex
	state State

	lastOutSeq             uint32
	lastInSeq              uint32
	lastObservedQueueDepth uint32

	store *persist.Store // nil quando a garantia negociada não é persistent_queue

	pending   []*OutboundMessage // aguardando transmissão, em ordem de envio
	immediate []*OutboundMessage // TimeoutImmediate, expira no próximo dispatch

	nextIdentifier uint16

	events []Event

	metrics MetricsSink
}

// Open constrói um substream em not_open para a fila de origem informada.
// store pode ser nil quando a classe de serviço negociada não pede
// persistent_queue; com store, as mensagens salvas na sessão anterior são
// recuperadas reparseando o frame persistido.
func Open(streamID int32, domainType byte, sourceQueueName string, store *persist.Store) (*Substream, error) {
	if len(sourceQueueName) == 0 || len(sourceQueueName) > maxQueueNameLength {
		return nil, errinfo.New(errinfo.CategoryProgrammer, "source queue name length %d out of range (1..%d)", len(sourceQueueName), maxQueueNameLength)
	}
	s := &Substream{
		StreamID:        streamID,
		DomainType:      domainType,
		SourceQueueName: sourceQueueName,
		state:           StateNotOpen,
		store:           store,
		metrics:         noopMetricsSink{},
	}
	if store != nil {
		s.lastOutSeq = store.LastOutSeqNum()
		s.lastInSeq = store.LastInSeqNum()
		for _, m := range store.SavedList() {
			om, err := s.recoverMessage(m)
			if err != nil {
				return nil, err
			}
			s.pending = append(s.pending, om)
		}
	}
	return s, nil
}

// recoverMessage reconstrói uma OutboundMessage a partir do frame QueueData
// persistido no slot.
func (s *Substream) recoverMessage(m *persist.Msg) (*OutboundMessage, error) {
	raw, err := s.store.ReadSavedPayload(m)
	if err != nil {
		return nil, err
	}
	if len(raw) < 1 || wire.QueueOpcode(raw[0]) != wire.QOpData {
		return nil, errinfo.New(errinfo.CategoryPersistence, "saved slot %d does not hold a queue data frame", m.SeqNum)
	}
	qd, err := wire.ReadQueueData(wire.NewFrameReader(raw[1:]))
	if err != nil {
		return nil, errinfo.Wrap(errinfo.CategoryPersistence, err, "parsing saved queue data frame")
	}
	timeout := Timeout{Kind: TimeoutInfinite}
	if m.Timeout >= 0 {
		timeout = Timeout{Kind: TimeoutDeadline, DeadlineMs: m.Timeout}
	}
	return &OutboundMessage{
		FromQueue:     qd.FromQueue,
		ToQueue:       qd.ToQueue,
		ContainerType: qd.ContainerType,
		Payload:       qd.Payload,
		Timeout:       timeout,
		Identifier:    qd.Identifier,
		persistRef:    m,
		seqNum:        m.SeqNum,
		transmitted:   m.IsTransmitted(),
		taken:         true, // o handshake de recovery decide o que reenviar
	}, nil
}

// State retorna o estado atual do substream.
func (s *Substream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RequestSeqNums retorna o par (last_out_seq, last_in_seq) a anunciar no
// request de abertura, recuperado do store de persistência.
func (s *Substream) RequestSeqNums() (uint32, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOutSeq, s.lastInSeq
}

// MarkRequestSent faz a transição not_open -> wait_refresh.
func (s *Substream) MarkRequestSent() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNotOpen {
		return errinfo.New(errinfo.CategoryProgrammer, "MarkRequestSent called from state %s", s.state)
	}
	s.state = StateWaitRefresh
	return nil
}

// HandleRequest processa um request de abertura no lado provider: o
// substream local vai direto para open e devolve o estado a anunciar no
// refresh.
func (s *Substream) HandleRequest(remoteLastOutSeq, remoteLastInSeq uint32) (wire.QueueRefresh, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNotOpen {
		return wire.QueueRefresh{}, errinfo.New(errinfo.CategoryProgrammer, "HandleRequest called from state %s", s.state)
	}
	s.state = StateOpen
	depth := uint32(len(s.pending))
	return wire.QueueRefresh{
		SubstreamID: s.StreamID,
		LastOutSeq:  s.lastOutSeq,
		LastInSeq:   s.lastInSeq,
		QueueDepth:  depth,
	}, nil
}

// HandleRefresh processa o refresh recebido, executa o handshake de
// recovery e faz a transição para open.
//
// Se o peer anuncia last_in_seq > 0, toda mensagem local transmitida com
// sequência <= last_in_seq é tratada como já entregue: um ack local é
// sintetizado para a aplicação e o slot é liberado da persistência. As
// demais transmitidas são reenviadas com o bit de possível duplicata. Se o
// peer anuncia last_in_seq = 0, ele perdeu estado: tudo é reenviado com
// possível duplicata e nada é liberado.
func (s *Substream) HandleRefresh(remoteLastOutSeq, remoteLastInSeq, remoteQueueDepth uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateWaitRefresh {
		return errinfo.New(errinfo.CategoryProgrammer, "HandleRefresh called from state %s", s.state)
	}
	s.lastObservedQueueDepth = remoteQueueDepth

	if remoteLastInSeq > 0 {
		var kept []*OutboundMessage
		for _, m := range s.pending {
			if m.transmitted && !wire.SeqLess(remoteLastInSeq, m.seqNum) {
				s.events = append(s.events, Event{Kind: EventAck, SeqNum: m.seqNum, FromQueue: m.FromQueue, ToQueue: m.ToQueue, Identifier: m.Identifier})
				if s.store != nil && m.persistRef != nil {
					if err := s.store.FreeMsg(m.persistRef); err != nil {
						return err
					}
				}
				continue
			}
			if m.transmitted {
				m.PossibleDuplicate = true
			}
			m.taken = false
			kept = append(kept, m)
		}
		s.pending = kept
	} else {
		for _, m := range s.pending {
			if m.transmitted {
				m.PossibleDuplicate = true
			}
			m.taken = false
		}
	}

	s.state = StateOpen
	s.events = append(s.events, Event{Kind: EventRefresh, QueueDepth: remoteQueueDepth})
	return nil
}

// Submit enfileira uma mensagem de aplicação. Com store, o frame QueueData
// codificado é persistido aqui; a atribuição de sequência fica para
// MarkTransmitted.
func (s *Substream) Submit(toQueue string, payload []byte, rawTimeoutMs int64, containerType byte, nowMs int64) (*OutboundMessage, error) {
	if len(toQueue) == 0 || len(toQueue) > maxQueueNameLength {
		return nil, errinfo.New(errinfo.CategoryProgrammer, "destination queue name length %d out of range (1..%d)", len(toQueue), maxQueueNameLength)
	}
	timeout := NewTimeout(rawTimeoutMs, nowMs)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return nil, errinfo.New(errinfo.CategoryProgrammer, "Submit called from state %s", s.state)
	}

	s.nextIdentifier++
	msg := &OutboundMessage{
		FromQueue:     s.SourceQueueName,
		ToQueue:       toQueue,
		ContainerType: containerType,
		Payload:       payload,
		Timeout:       timeout,
		Identifier:    s.nextIdentifier,
	}

	if timeout.Kind == TimeoutImmediate {
		s.immediate = append(s.immediate, msg)
		return msg, nil
	}

	if s.store != nil {
		encoded, _, err := s.encodeFrameLocked(msg, nowMs)
		if err != nil {
			return nil, err
		}
		deadline := int64(-1)
		if timeout.Kind == TimeoutDeadline {
			deadline = timeout.DeadlineMs
		}
		m, err := s.store.SaveMsg(encoded, deadline, nowMs)
		if err != nil {
			return nil, err
		}
		msg.persistRef = m
	}
	s.pending = append(s.pending, msg)
	return msg, nil
}

// encodeFrameLocked codifica o frame QueueData de m com o timeout do wire
// reescrito para o tempo restante a partir de nowMs.
func (s *Substream) encodeFrameLocked(m *OutboundMessage, nowMs int64) ([]byte, int, error) {
	remaining := int64(-1)
	switch m.Timeout.Kind {
	case TimeoutImmediate:
		remaining = 0
	case TimeoutDeadline:
		remaining = m.Timeout.DeadlineMs - nowMs
		if remaining < 0 {
			remaining = 0
		}
	}
	flags := uint16(0)
	if m.PossibleDuplicate {
		flags |= wire.QueueFlagPossibleDuplicate
	}
	var buf bytes.Buffer
	off, err := wire.WriteQueueData(&buf, wire.QueueData{
		SubstreamID:   s.StreamID,
		Flags:         flags,
		SeqNum:        m.seqNum,
		FromQueue:     m.FromQueue,
		ToQueue:       m.ToQueue,
		TimeoutMs:     remaining,
		Identifier:    m.Identifier,
		ContainerType: m.ContainerType,
		Payload:       m.Payload,
	})
	if err != nil {
		return nil, 0, errinfo.Wrap(errinfo.CategoryProtocol, err, "encoding queue data frame")
	}
	return buf.Bytes(), off, nil
}

// TakeOutbound retorna as mensagens prontas para o túnel transmitir, já
// codificadas, marcando-as para não serem retornadas de novo. Mensagens
// recuperadas só voltam a ser elegíveis depois que HandleRefresh decide o
// reenvio.
func (s *Substream) TakeOutbound(nowMs int64) ([]TakenMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return nil, nil
	}
	var out []TakenMessage
	for _, m := range s.pending {
		if m.taken {
			continue
		}
		encoded, off, err := s.encodeFrameLocked(m, nowMs)
		if err != nil {
			return out, err
		}
		m.taken = true
		out = append(out, TakenMessage{Msg: m, Encoded: encoded, SeqNumOffset: off})
	}
	return out, nil
}

// MarkTransmitted atribui o próximo número de sequência a msg no momento em
// que o túnel entrega o frame ao canal. Com store, a sequência vem do
// commit de transmissão do arquivo; sem store, de um contador local.
func (s *Substream) MarkTransmitted(msg *OutboundMessage) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.transmitted {
		return msg.seqNum, nil
	}
	var seq uint32
	if s.store != nil && msg.persistRef != nil {
		var err error
		seq, err = s.store.MarkTransmitted(msg.persistRef)
		if err != nil {
			return 0, err
		}
	} else {
		seq = s.lastOutSeq + 1
	}
	msg.seqNum = seq
	msg.transmitted = true
	if wire.SeqLess(s.lastOutSeq, seq) {
		s.lastOutSeq = seq
	}
	return seq, nil
}

// HandleAck libera toda mensagem transmitida com sequência até cumulativeSeq.
// O ack do wire é quem aposenta mensagens transmitidas; expiração local
// nunca as alcança.
func (s *Substream) HandleAck(cumulativeSeq uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*OutboundMessage
	for _, m := range s.pending {
		if m.transmitted && !wire.SeqLess(cumulativeSeq, m.seqNum) {
			s.metrics.IncMessagesDelivered()
			if s.store != nil && m.persistRef != nil {
				if err := s.store.FreeMsg(m.persistRef); err != nil {
					return err
				}
			}
			continue
		}
		kept = append(kept, m)
	}
	s.pending = kept
	return nil
}

// HandleData processa uma mensagem de dados recebida: chegadas fora de
// ordem são descartadas (o ack cumulativo fará o peer retransmitir); em
// ordem, o last-in-seq é persistido e o evento de dados vai para a
// aplicação. O chamador envia o QueueAck com a sequência retornada.
func (s *Substream) HandleData(qd wire.QueueData) (ackSeq uint32, deliver bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if qd.SeqNum != s.lastInSeq+1 {
		return s.lastInSeq, false, nil
	}
	s.lastInSeq = qd.SeqNum
	if s.store != nil {
		if err := s.store.SaveLastInSeqNum(qd.SeqNum); err != nil {
			return 0, false, err
		}
	}
	s.events = append(s.events, Event{
		Kind:       EventData,
		SeqNum:     qd.SeqNum,
		FromQueue:  qd.FromQueue,
		ToQueue:    qd.ToQueue,
		Identifier: qd.Identifier,
		Payload:    qd.Payload,
	})
	return qd.SeqNum, true, nil
}

// ProcessTimer expira mensagens cujo deadline passou antes da primeira
// transmissão e drena a lista de timeout imediato. Mensagens já
// transmitidas nunca expiram aqui; só o ack do wire as aposenta. Mensagens
// recuperadas maiores que maxFragmentSize expiram com CodeMaxMsgSize.
func (s *Substream) ProcessTimer(nowMs int64, maxFragmentSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.immediate {
		s.expireLocked(m, CodeExpired)
	}
	s.immediate = nil

	var kept []*OutboundMessage
	for _, m := range s.pending {
		if m.transmitted {
			kept = append(kept, m)
			continue
		}
		switch {
		case m.Timeout.Kind == TimeoutDeadline && nowMs >= m.Timeout.DeadlineMs:
			s.expireLocked(m, CodeExpired)
		case maxFragmentSize > 0 && len(m.Payload) > maxFragmentSize && m.persistRef != nil:
			s.expireLocked(m, CodeMaxMsgSize)
		default:
			kept = append(kept, m)
		}
	}
	s.pending = kept
}

func (s *Substream) expireLocked(m *OutboundMessage, code UndeliverableCode) {
	s.events = append(s.events, Event{
		Kind:       EventDeadLetter,
		Code:       code,
		Payload:    m.Payload,
		FromQueue:  m.FromQueue,
		ToQueue:    m.ToQueue,
		Identifier: m.Identifier,
	})
	s.metrics.IncMessagesExpired()
	if s.store != nil && m.persistRef != nil {
		_ = s.store.FreeMsg(m.persistRef)
	}
}

// QueueDepth retorna a profundidade da fila observada no último refresh.
func (s *Substream) QueueDepth() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastObservedQueueDepth
}

// DrainEvents retorna e limpa os eventos pendentes para o fan-out da
// aplicação.
func (s *Substream) DrainEvents() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.events
	s.events = nil
	return out
}

// Close leva o substream a closed; é idempotente.
func (s *Substream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
}

func (m *OutboundMessage) String() string {
	return fmt.Sprintf("OutboundMessage{to=%s seq=%d dup=%v}", m.ToQueue, m.seqNum, m.PossibleDuplicate)
}
