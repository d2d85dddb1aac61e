// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package observability

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// EventStore combina um EventRing em memória com persistência JSONL: cada
// Push faz append de uma linha JSON, e o arquivo é rotacionado quando passa
// de maxLines, reescrito só com a metade mais recente.
type EventStore struct {
	ring      *EventRing
	file      *os.File
	mu        sync.Mutex
	maxLines  int
	lineCount int
	path      string
}

// NewEventStore abre (ou cria) o arquivo JSONL em path e pré-carrega o
// ring buffer a partir da cauda dele.
func NewEventStore(path string, ringCap, maxLines int) (*EventStore, error) {
	if maxLines <= 0 {
		maxLines = 10000
	}
	ring := NewEventRing(ringCap)

	entries, lineCount, err := loadEventJSONL(path)
	if err != nil {
		return nil, fmt.Errorf("loading events file: %w", err)
	}
	start := 0
	if len(entries) > ringCap {
		start = len(entries) - ringCap
	}
	for _, e := range entries[start:] {
		ring.Push(e)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening events file for append: %w", err)
	}
	return &EventStore{ring: ring, file: f, maxLines: maxLines, lineCount: lineCount, path: path}, nil
}

func loadEventJSONL(path string) ([]EventEntry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	var entries []EventEntry
	lineCount := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineCount++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e EventEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue // ignora linhas corrompidas
		}
		entries = append(entries, e)
	}
	return entries, lineCount, scanner.Err()
}

// Push registra e no ring e faz o append no arquivo JSONL, rotacionando se
// o arquivo passou de maxLines.
func (s *EventStore) Push(e EventEntry) {
	s.ring.Push(e)
	recent := s.ring.Recent(1)
	if len(recent) == 0 {
		return
	}
	filled := recent[0]

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(filled)
	if err != nil {
		return
	}
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return
	}
	s.lineCount++
	if s.lineCount > s.maxLines {
		s.rotate()
	}
}

// Recent retorna os últimos limit eventos, do mais antigo para o mais novo.
func (s *EventStore) Recent(limit int) []EventEntry { return s.ring.Recent(limit) }

// Len retorna quantos eventos estão em memória.
func (s *EventStore) Len() int { return s.ring.Len() }

// Close fecha o arquivo JSONL.
func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// rotate mantém só as últimas maxLines/2 entradas. O chamador segura s.mu.
func (s *EventStore) rotate() {
	keep := s.maxLines / 2
	entries, _, err := loadEventJSONL(s.path)
	if err != nil || len(entries) <= keep {
		return
	}
	entries = entries[len(entries)-keep:]
	s.file.Close()

	f, err := os.Create(s.path)
	if err != nil {
		s.file, _ = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		return
	}
	w := bufio.NewWriter(f)
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	w.Flush()
	f.Close()

	s.file, err = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	s.lineCount = len(entries)
}
