// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package bufpool implementa o pool de buffers do TunnelStream: um
// alocador de slabs que produz slices co-localizados com tempo de vida
// compartilhado e contagem de referências por slab. Duas filas paralelas
// são mantidas: buffers de aplicação pedidos pelo código do usuário e
// buffers internos produzidos pelo próprio engine (ex.: traduções
// codificadas de mensagens de substream), para as duas populações serem
// contabilizadas e limitadas de forma independente.
package bufpool

import (
	"fmt"
	"sync"

	"github.com/kestrun/tunnelstream/internal/errinfo"
)

// slab é uma alocação de maxFragmentSize bytes. Buffers recortados dele
// seguram uma referência; o slab só volta para a free list quando todos os
// buffers recortados foram liberados.
type slab struct {
	data     []byte
	cursor   int
	refCount int
}

// Buffer é um handle para dentro de um slab: um slice de bytes mais a
// contabilidade necessária para devolvê-lo ao pool.
type Buffer struct {
	pool       *Pool
	slab       *slab
	off        int
	length     int
	forApp     bool
	mostRecent bool // set when carved and never cleared; TrimUnusedLength detects later carves by checking the slab cursor
}

// Bytes retorna o slice do buffer. O chamador não deve retê-lo depois do
// Release.
func (b *Buffer) Bytes() []byte {
	return b.slab.data[b.off : b.off+b.length]
}

// Len retorna o comprimento corrente do buffer.
func (b *Buffer) Len() int { return b.length }

// Pool é o alocador de slabs.
type Pool struct {
	maxFragmentSize int
	appBufferLimit  int

	mu             sync.Mutex
	freeSlabs      []*slab
	appQueue       []*slab
	intQueue       []*slab
	appOutstanding int
}

// New cria um Pool que recorta buffers de até maxFragmentSize bytes e
// limita buffers de aplicação pendentes em appBufferLimit (0 = sem limite).
func New(maxFragmentSize, appBufferLimit int) *Pool {
	return &Pool{
		maxFragmentSize: maxFragmentSize,
		appBufferLimit:  appBufferLimit,
	}
}

// GetAppBuffer recorta um buffer do tamanho pedido da fila de aplicação.
func (p *Pool) GetAppBuffer(size int) (*Buffer, error) {
	return p.getBuffer(size, true)
}

// GetInternalBuffer recorta um buffer do tamanho pedido da fila interna,
// usada para traduções produzidas pelo engine em vez de dados do usuário.
func (p *Pool) GetInternalBuffer(size int) (*Buffer, error) {
	return p.getBuffer(size, false)
}

func (p *Pool) getBuffer(size int, forApp bool) (*Buffer, error) {
	if size <= 0 || size > p.maxFragmentSize {
		return nil, errinfo.New(errinfo.CategoryProgrammer,
			"buffer request of %d bytes exceeds max_fragment_size %d", size, p.maxFragmentSize)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if forApp && p.appBufferLimit > 0 && p.appOutstanding >= p.appBufferLimit {
		return nil, errinfo.New(errinfo.CategoryResource, "app buffer limit %d reached", p.appBufferLimit)
	}

	queue := &p.intQueue
	if forApp {
		queue = &p.appQueue
	}

	var s *slab
	if len(*queue) > 0 {
		last := (*queue)[len(*queue)-1]
		if last.cursor+size <= p.maxFragmentSize {
			s = last
		}
	}
	if s == nil {
		s = p.popFreeSlabLocked()
		*queue = append(*queue, s)
	}

	buf := &Buffer{pool: p, slab: s, off: s.cursor, length: size, forApp: forApp, mostRecent: true}
	s.cursor += size
	s.refCount++
	if forApp {
		p.appOutstanding++
	}
	return buf, nil
}

func (p *Pool) popFreeSlabLocked() *slab {
	n := len(p.freeSlabs)
	if n == 0 {
		return &slab{data: make([]byte, p.maxFragmentSize)}
	}
	s := p.freeSlabs[n-1]
	p.freeSlabs = p.freeSlabs[:n-1]
	s.cursor = 0
	s.refCount = 0
	return s
}

// Release devolve um buffer ao pool. O slab dono volta para a free list
// quando seu último buffer pendente é liberado.
func (p *Pool) Release(b *Buffer) {
	if b == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	b.slab.refCount--
	if b.forApp {
		p.appOutstanding--
	}
	if b.slab.refCount > 0 {
		return
	}
	// Última referência caiu: sai da fila e volta para a free list.
	removeSlab(&p.appQueue, b.slab)
	removeSlab(&p.intQueue, b.slab)
	p.freeSlabs = append(p.freeSlabs, b.slab)
}

func removeSlab(queue *[]*slab, s *slab) {
	for i, q := range *queue {
		if q == s {
			*queue = append((*queue)[:i], (*queue)[i+1:]...)
			return
		}
	}
}

// TrimUnusedLength encolhe b para newLen e recupera a cauda não usada do
// cursor do slab, mas só se b for o buffer mais recentemente recortado do
// seu slab. Caso contrário retorna erro.
func (p *Pool) TrimUnusedLength(b *Buffer, newLen int) error {
	if newLen < 0 || newLen > b.length {
		return errinfo.New(errinfo.CategoryProgrammer, "trim length %d out of range [0,%d]", newLen, b.length)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !b.mostRecent {
		return errinfo.New(errinfo.CategoryProgrammer, "TrimUnusedLength called on a buffer that is not the most recently carved")
	}
	if b.slab.cursor != b.off+b.length {
		return errinfo.New(errinfo.CategoryProgrammer, "slab cursor has advanced past this buffer")
	}
	reclaimed := b.length - newLen
	b.length = newLen
	b.slab.cursor -= reclaimed
	return nil
}

// String é um auxílio de debug.
func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer{off=%d len=%d forApp=%v}", b.off, b.length, b.forApp)
}
