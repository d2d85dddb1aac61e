// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package tunnel implementa o engine do TunnelStream: a máquina de estados
// do túnel, o engine de confiabilidade e retransmissão, flow control
// bidirecional e fragmentação/remontagem. Um Tunnel implementa
// reactor.Dispatchable, então um único Reactor pode dirigir vários túneis.
package tunnel

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/kestrun/tunnelstream/internal/bufpool"
	"github.com/kestrun/tunnelstream/internal/cos"
	"github.com/kestrun/tunnelstream/internal/errinfo"
	"github.com/kestrun/tunnelstream/internal/queue"
	"github.com/kestrun/tunnelstream/internal/reactor"
	"github.com/kestrun/tunnelstream/internal/wire"
	cache "github.com/patrickmn/go-cache"
	"github.com/rs/xid"
	"golang.org/x/time/rate"
)

// reassemblyTTL limita por quanto tempo um contexto de remontagem
// incompleto é mantido antes de ser varrido. Não afeta a entrega — uma
// mensagem sem todos os fragmentos nunca chega à aplicação — apenas quando
// a memória do contexto é recuperada.
const reassemblyTTL = 2 * time.Minute

// State é a máquina de estados do túnel.
type State int

const (
	StateInactive State = iota
	StateSendRequest
	StateWaitRefresh
	StateSendAuthLoginRequest
	StateWaitAuthLoginResponse
	StateOpen
	StateSendFin
	StateWaitAckOfFin
	StateWaitClose
	StateSendClose
	StateWaitFin
	StateSendAckOfFin
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateSendRequest:
		return "send_request"
	case StateWaitRefresh:
		return "wait_refresh"
	case StateSendAuthLoginRequest:
		return "send_auth_login_request"
	case StateWaitAuthLoginResponse:
		return "wait_auth_login_response"
	case StateOpen:
		return "open"
	case StateSendFin:
		return "send_fin"
	case StateWaitAckOfFin:
		return "wait_ack_of_fin"
	case StateWaitClose:
		return "wait_close"
	case StateSendClose:
		return "send_close"
	case StateWaitFin:
		return "wait_fin"
	case StateSendAckOfFin:
		return "send_ack_of_fin"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role distingue qual lado inicia o handshake: o consumer manda o request,
// o provider responde com o refresh.
type Role int

const (
	RoleConsumer Role = iota
	RoleProvider
)

// Config contém os tunáveis do engine.
type Config struct {
	MaxRequestRetries int   // default: 1
	ResponseTimeoutMs int64 // deadline de retransmissão = now + ResponseTimeoutMs
	AckDeadlineMs     int64 // deadline de ack periódico do receptor

	// MaxBytesPerSecond limita a taxa das submissões ao canal no loop de
	// dispatch. Zero desabilita o pacing (default).
	MaxBytesPerSecond float64
}

// DefaultConfig retorna os defaults do engine.
func DefaultConfig() Config {
	return Config{MaxRequestRetries: 1, ResponseTimeoutMs: 5000, AckDeadlineMs: 2000}
}

// EventKind distingue os callbacks voltados à aplicação.
type EventKind int

const (
	EventStatus EventKind = iota
	EventDefaultMsg
	EventQueueMsg
)

// Event é o que Dispatch entrega ao registry de callbacks da aplicação.
type Event struct {
	Kind          EventKind
	Status        Status
	Payload       []byte
	ContainerType byte
	QueueEvent    queue.Event
}

// Status espelha a tripla streamState/dataState/text carregada em frames de
// refresh/status.
type Status struct {
	StreamState int
	DataState   int
	Text        string
}

const (
	StreamStateOpen   = 1
	StreamStateClosed = 2

	DataStateOk      = 1
	DataStateSuspect = 2
)

type pendingBuffer struct {
	buf               *bufpool.Buffer
	op                wire.Opcode
	seqNum            uint32
	transmitted       bool
	expireAtMs        int64
	retries           int
	fragmented        bool
	fragmentMessageID uint16
	fragmentNumber    uint32
	totalLength       uint32
	containerTypeOff  byte
	possibleDuplicate bool
	fromSubstream     *queue.Substream
	substreamMsg      *queue.OutboundMessage
	subSeqOffset      int
}

type reassemblyContext struct {
	totalLength   uint32
	bytesCopied   uint32
	containerType byte
	data          []byte
	complete      bool
}

// Tunnel é um canal de mensagens confiável, ordenado e com flow control
// entre dois peers.
type Tunnel struct {
	StreamID   int32
	DomainType byte
	Role       Role
	CoS        cos.ClassOfService
	cfg        Config

	// SessionID é um handle local, ordenável, ecoado no refresh. É apenas
	// observacional e nunca interpretado no wire.
	SessionID xid.ID

	pool    *bufpool.Pool
	channel reactor.Channel
	clock   reactor.Clock
	logger  *slog.Logger

	// pacer limita as submissões ao canal quando cfg.MaxBytesPerSecond
	// está configurado; nil desabilita o pacing.
	pacer *rate.Limiter

	// metrics reporta contadores de ack/retransmissão/flow control; é um
	// sink no-op até SetMetricsSink ser chamado.
	metrics MetricsSink

	mu    sync.Mutex
	state State

	lastOutSeq        uint32
	lastInSeq         uint32
	lastInSeqAccepted uint32
	lastInAcked       uint32

	transmitList []*pendingBuffer
	waitAckList  []*pendingBuffer // ordenada por seqNum

	bytesWaitingAck    int
	recvBytesSinceAck  int
	lastAckSentMs      int64
	recvWindowSize     uint32
	peerRecvWindowSize uint32

	nextMessageID uint16
	// reassembly guarda os contextos de remontagem em andamento por
	// message id. O TTL limitado faz um contexto sem o fragmento final ser
	// esquecido em vez de retido para sempre; a mensagem em si continua
	// nunca chegando à aplicação.
	reassembly *cache.Cache

	substreams map[int32]*queue.Substream

	events []Event

	dispatchPending bool
}

// New cria um Tunnel no estado inactive.
func New(streamID int32, domainType byte, role Role, negotiated cos.ClassOfService, pool *bufpool.Pool, ch reactor.Channel, clock reactor.Clock, cfg Config, logger *slog.Logger) *Tunnel {
	if logger == nil {
		logger = slog.Default()
	}
	recvWindow := negotiated.FlowControl.RecvWindowSize
	if recvWindow == 0 {
		recvWindow = cos.DefaultMinRecvWindowSize
	}
	var pacer *rate.Limiter
	if cfg.MaxBytesPerSecond > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.MaxBytesPerSecond), int(cfg.MaxBytesPerSecond))
	}
	return &Tunnel{
		StreamID:       streamID,
		DomainType:     domainType,
		Role:           role,
		CoS:            negotiated,
		cfg:            cfg,
		SessionID:      xid.New(),
		pool:           pool,
		channel:        ch,
		clock:          clock,
		logger:         logger,
		pacer:          pacer,
		metrics:        noopMetricsSink{},
		state:          StateInactive,
		recvWindowSize: uint32(recvWindow),
		reassembly:     cache.New(reassemblyTTL, reassemblyTTL/2),
		substreams:     make(map[int32]*queue.Substream),
	}
}

// State retorna o estado corrente do túnel.
func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start faz a transição inactive -> send_request (consumer) ou ->
// wait_refresh (provider, que entra aceitando um request).
func (t *Tunnel) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateInactive {
		return errinfo.New(errinfo.CategoryProgrammer, "Start called from state %s", t.state)
	}
	if t.Role == RoleConsumer {
		t.state = StateSendRequest
	} else {
		t.state = StateWaitRefresh
	}
	t.markDispatchPendingLocked()
	return nil
}

// Substream busca um substream registrado pelo stream id.
func (t *Tunnel) Substream(streamID int32) (*queue.Substream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.substreams[streamID]
	return s, ok
}

func (t *Tunnel) markDispatchPendingLocked() {
	t.dispatchPending = true
}

// MarkDispatchPending sinaliza que o túnel tem trabalho de transmissão
// pendente para o próximo Dispatch.
func (t *Tunnel) MarkDispatchPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markDispatchPendingLocked()
}

// DrainEvents retorna e limpa os eventos enfileirados para o registry de
// callbacks da aplicação.
func (t *Tunnel) DrainEvents() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.events
	t.events = nil
	return out
}

// Info é o snapshot retornado por GetInfo.
type Info struct {
	SessionID          string
	State              State
	LastOutSeq         uint32
	LastInSeq          uint32
	BytesWaitingAck    int
	PeerRecvWindowSize uint32
}

func (t *Tunnel) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{
		SessionID:          t.SessionID.String(),
		State:              t.state,
		LastOutSeq:         t.lastOutSeq,
		LastInSeq:          t.lastInSeq,
		BytesWaitingAck:    t.bytesWaitingAck,
		PeerRecvWindowSize: t.peerRecvWindowSize,
	}
}

// reassemblyCacheKey converte um message id na chave string que o cache
// exige.
func reassemblyCacheKey(messageID uint16) string {
	return strconv.Itoa(int(messageID))
}
