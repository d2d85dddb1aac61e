// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package reactor define os colaboradores externos que o core do
// TunnelStream consome — um canal de bytes, um relógio monotônico em
// milissegundos e o agendamento de timers — mais um loop cooperativo
// mínimo, de uma thread, que dirige process_timer/dispatch. O reactor de
// eventos real (polling de I/O, seleção de sockets) vive fora deste
// repositório; este pacote só modela o contrato que o core precisa dele.
package reactor

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrun/tunnelstream/internal/bufpool"
	"github.com/robfig/cron/v3"
)

// Clock é o relógio monotônico em milissegundos que o core exige.
type Clock interface {
	NowMillis() int64
}

// SystemClock implementa Clock com o relógio do sistema.
type SystemClock struct{}

func (SystemClock) NowMillis() int64 { return time.Now().UnixMilli() }

// Channel é o transporte orientado a bytes que o core exige:
// GetBuffer(size), Submit(buffer), Release(buffer). A implementação
// concreta (I/O de socket, buffering) vive fora deste repositório.
type Channel interface {
	GetBuffer(size int) (*bufpool.Buffer, error)
	Submit(buf *bufpool.Buffer) error
	Release(buf *bufpool.Buffer)
}

// Dispatchable é qualquer coisa que o reactor dirige na cadência
// timer/dispatch — um Tunnel implementa isto.
type Dispatchable interface {
	ProcessTimer(nowMillis int64)
	Dispatch() error
}

type timerEntry struct {
	deadline int64
	seq      uint64
	target   Dispatchable
	index    int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Reactor é um scheduler cooperativo de uma thread, guardado pelo mesmo
// lock que os pontos de entrada do engine de túnel assumem segurar
// (ScheduleTimer e MarkDispatchPending exigem que o chamador já o segure).
// É dono da lista global de timeouts e do conjunto
// de dispatch pendente.
type Reactor struct {
	mu sync.Mutex

	clock  Clock
	logger *slog.Logger

	timers   timerHeap
	timerSeq uint64

	dispatchPending map[Dispatchable]bool
	dispatchOrder   []Dispatchable

	cron *cron.Cron

	wake chan struct{}
}

// New cria um Reactor amarrado a clock.
func New(clock Clock, logger *slog.Logger) *Reactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reactor{
		clock:           clock,
		logger:          logger,
		dispatchPending: make(map[Dispatchable]bool),
		cron:            cron.New(),
		wake:            make(chan struct{}, 1),
	}
}

// Lock/Unlock expõem o lock de interface do reactor; os pontos de entrada
// do engine o adquirem na fronteira da API pública e soltam no retorno.
func (r *Reactor) Lock()   { r.mu.Lock() }
func (r *Reactor) Unlock() { r.mu.Unlock() }

// ScheduleTimer arma um despertar para target em deadlineMillis. O
// chamador deve segurar o lock do reactor.
func (r *Reactor) ScheduleTimer(deadlineMillis int64, target Dispatchable) {
	r.timerSeq++
	heap.Push(&r.timers, &timerEntry{deadline: deadlineMillis, seq: r.timerSeq, target: target})
	r.nudge()
}

// MarkDispatchPending adiciona target ao conjunto de dispatch pendente. O
// chamador deve segurar o lock do reactor.
func (r *Reactor) MarkDispatchPending(target Dispatchable) {
	if !r.dispatchPending[target] {
		r.dispatchPending[target] = true
		r.dispatchOrder = append(r.dispatchOrder, target)
	}
	r.nudge()
}

func (r *Reactor) nudge() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// nextDeadline retorna o deadline de timer mais próximo, ou ok=false se
// nenhum está armado. O chamador deve segurar o lock do reactor.
func (r *Reactor) nextDeadline() (int64, bool) {
	if len(r.timers) == 0 {
		return 0, false
	}
	return r.timers[0].deadline, true
}

// tick drena os timers vencidos e o conjunto de dispatch pendente uma vez.
// É a unidade de trabalho sobre a qual Run itera, separada para os testes
// poderem chamá-la direto sem goroutine.
func (r *Reactor) tick() {
	r.mu.Lock()
	now := r.clock.NowMillis()
	var due []*timerEntry
	for len(r.timers) > 0 && r.timers[0].deadline <= now {
		e := heap.Pop(&r.timers).(*timerEntry)
		due = append(due, e)
	}
	pending := r.dispatchOrder
	r.dispatchOrder = nil
	r.dispatchPending = make(map[Dispatchable]bool)
	r.mu.Unlock()

	for _, e := range due {
		e.target.ProcessTimer(now)
	}
	for _, d := range pending {
		if err := d.Dispatch(); err != nil {
			r.logger.Error("dispatch failed", "error", err)
		}
	}
}

// Run dirige o loop do reactor até ctx ser cancelado: acorda no que vier
// primeiro entre o próximo deadline de timer, um nudge explícito (um novo
// submit ou registro de dispatch pendente) ou um intervalo máximo ocioso.
func (r *Reactor) Run(ctx context.Context) error {
	r.cron.Start()
	defer r.cron.Stop()

	const maxIdle = time.Second
	for {
		r.mu.Lock()
		deadline, ok := r.nextDeadline()
		r.mu.Unlock()

		var wait time.Duration
		if ok {
			wait = time.Duration(deadline-r.clock.NowMillis()) * time.Millisecond
			if wait < 0 {
				wait = 0
			}
		} else {
			wait = maxIdle
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-r.wake:
			timer.Stop()
		}
		r.tick()
	}
}

// AddPeriodic registra uma tarefa recorrente de manutenção (ex.: o
// deadline de ack periódico e a varredura dos substreams) no scheduler
// cron. fn é invocada sob o lock do reactor.
func (r *Reactor) AddPeriodic(spec string, fn func()) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		fn()
	})
}

// RemovePeriodic cancela uma tarefa registrada com AddPeriodic.
func (r *Reactor) RemovePeriodic(id cron.EntryID) {
	r.cron.Remove(id)
}
