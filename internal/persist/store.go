// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package persist

import (
	"fmt"
	"os"
	"sync"

	"github.com/kestrun/tunnelstream/internal/errinfo"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"
)

// Msg é o handle em memória de uma mensagem guardada no store.
type Msg struct {
	index      uint32
	Flags      uint32
	SeqNum     uint32
	Length     uint32
	TimeQueued int64
	Timeout    int64
}

// IsTransmitted informa se a mensagem já foi enviada e recebeu número de
// sequência; a partir daí ela nunca mais é candidata a expiração por
// timeout.
func (m *Msg) IsTransmitted() bool { return m.Flags&flagTransmitted != 0 }

// Store é um arquivo de persistência de slots fixos: uma free list de
// slots disponíveis e uma saved list de mensagens pendentes de transmissão
// ou retransmissão, guardado por um lock exclusivo do SO para só um
// processo conseguir abrir um dado arquivo por vez.
type Store struct {
	mu sync.Mutex

	file         *os.File
	maxMsgLength uint32
	maxMsgCount  uint32
	slotSize     int

	lastInSeqNum  uint32
	lastOutSeqNum uint32

	freeHead  uint32
	savedHead uint32
	savedTail uint32
	saved     []*Msg // in list order, head first

	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

// Open abre (criando se preciso) o arquivo de persistência em path e
// retorna um Store com os últimos números de sequência recebido/enviado
// recuperados dele. compress habilita compressão zstd dos payloads salvos,
// por store, para arquivos não comprimidos continuarem legíveis.
func Open(path string, maxMsgLength, maxMsgCount uint32, compress bool) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errinfo.Wrap(errinfo.CategoryPersistence, err, "opening persistence file %s", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errinfo.Wrap(errinfo.CategoryPersistence, err, "persistence file %s is locked by another process", path)
	}

	s := &Store{
		file:         f,
		maxMsgLength: maxMsgLength,
		maxMsgCount:  maxMsgCount,
		slotSize:     slotHeaderSize + int(maxMsgLength),
		compress:     compress,
	}

	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			f.Close()
			return nil, errinfo.Wrap(errinfo.CategoryPersistence, err, "initializing compression encoder")
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			f.Close()
			return nil, errinfo.Wrap(errinfo.CategoryPersistence, err, "initializing compression decoder")
		}
		s.enc, s.dec = enc, dec
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errinfo.Wrap(errinfo.CategoryPersistence, err, "stat persistence file")
	}
	if info.Size() == 0 {
		if err := s.initializeLocked(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := s.loadLocked(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) initializeLocked() error {
	header := make([]byte, headerSize)
	putU32(header, hMagic, magic)
	putU32(header, hVersion, formatVersion)
	putU32(header, hFlags, 0)
	putU32(header, hMaxMsgLength, s.maxMsgLength)
	putU32(header, hMaxMsgCount, s.maxMsgCount)
	putU32(header, hLastInSeqNum, 0)
	putU32(header, hLastOutSeqNum, 0)
	putU32(header, hFreeListHead, 0)
	putU32(header, hSavedListHead, sentinelIndex)
	if _, err := s.file.WriteAt(header, 0); err != nil {
		return errinfo.Wrap(errinfo.CategoryPersistence, err, "writing persistence header")
	}

	slot := make([]byte, s.slotSize)
	for i := uint32(0); i < s.maxMsgCount; i++ {
		next := i + 1
		if i == s.maxMsgCount-1 {
			next = sentinelIndex
		}
		putU32(slot, sNextSlot, next)
		if _, err := s.file.WriteAt(slot, slotOffset(i, s.slotSize)); err != nil {
			return errinfo.Wrap(errinfo.CategoryPersistence, err, "writing free slot %d", i)
		}
	}
	if err := s.file.Sync(); err != nil {
		return errinfo.Wrap(errinfo.CategoryPersistence, err, "fsync persistence file")
	}
	s.freeHead = 0
	s.savedHead = sentinelIndex
	s.savedTail = sentinelIndex
	return nil
}

func (s *Store) loadLocked() error {
	header := make([]byte, headerSize)
	if _, err := s.file.ReadAt(header, 0); err != nil {
		return errinfo.Wrap(errinfo.CategoryPersistence, err, "reading persistence header")
	}
	if getU32(header, hMagic) != magic {
		return errinfo.New(errinfo.CategoryPersistence, "persistence file has invalid magic")
	}
	switch v := getU32(header, hVersion); v {
	case formatVersion:
	case legacyFormatVersion:
		return errinfo.New(errinfo.CategoryPersistence, "legacy persistence format version %d is not supported", v)
	default:
		return errinfo.New(errinfo.CategoryPersistence, "unsupported persistence format version %d", v)
	}
	if getU32(header, hMaxMsgLength) != s.maxMsgLength || getU32(header, hMaxMsgCount) != s.maxMsgCount {
		return errinfo.New(errinfo.CategoryPersistence, "persistence file dimensions do not match configuration")
	}
	s.lastInSeqNum = getU32(header, hLastInSeqNum)
	s.lastOutSeqNum = getU32(header, hLastOutSeqNum)
	s.freeHead = getU32(header, hFreeListHead)
	s.savedHead = getU32(header, hSavedListHead)

	// Percorre a saved list na ordem do arquivo, reconstruindo as
	// sequências das mensagens já transmitidas: as transmittedCount
	// entradas transmitidas (em ordem de lista) receberam sequências
	// terminando em lastOutSeqNum.
	type rawSlot struct {
		index uint32
		msg   *Msg
		next  uint32
	}
	var chain []rawSlot
	idx := s.savedHead
	slotHeader := make([]byte, slotHeaderSize)
	for idx != sentinelIndex {
		if uint32(len(chain)) >= s.maxMsgCount {
			return errinfo.New(errinfo.CategoryPersistence, "saved list exceeds max message count %d; persistence file may be corrupt", s.maxMsgCount)
		}
		if idx >= s.maxMsgCount {
			return errinfo.New(errinfo.CategoryPersistence, "saved list links to slot %d past max message count %d; persistence file may be corrupt", idx, s.maxMsgCount)
		}
		if _, err := s.file.ReadAt(slotHeader, slotOffset(idx, s.slotSize)); err != nil {
			return errinfo.Wrap(errinfo.CategoryPersistence, err, "reading saved slot %d", idx)
		}
		next := getU32(slotHeader, sNextSlot)
		m := &Msg{
			index:      idx,
			Flags:      getU32(slotHeader, sFlags),
			Length:     getU32(slotHeader, sLength),
			TimeQueued: getI64(slotHeader, sTimeQueued),
			Timeout:    getI64(slotHeader, sTimeout),
		}
		chain = append(chain, rawSlot{index: idx, msg: m, next: next})
		idx = next
	}

	transmittedCount := uint32(0)
	for _, r := range chain {
		if r.msg.Flags&flagTransmitted != 0 {
			transmittedCount++
		}
	}
	seq := s.lastOutSeqNum - transmittedCount
	for _, r := range chain {
		if r.msg.Flags&flagTransmitted != 0 {
			seq++
			r.msg.SeqNum = seq
		}
		s.saved = append(s.saved, r.msg)
	}
	if len(s.saved) > 0 {
		s.savedTail = s.saved[len(s.saved)-1].index
	} else {
		s.savedTail = sentinelIndex
	}

	// Percorre também a free list: um slot que não está em lista nenhuma
	// (ou está em duas) denuncia uma escrita rasgada, e a recuperação
	// aborta em vez de operar sobre um arquivo corrompido.
	freeCount := uint32(0)
	link := make([]byte, 4)
	for idx := s.freeHead; idx != sentinelIndex; {
		if freeCount >= s.maxMsgCount {
			return errinfo.New(errinfo.CategoryPersistence, "free list exceeds max message count %d; persistence file may be corrupt", s.maxMsgCount)
		}
		if idx >= s.maxMsgCount {
			return errinfo.New(errinfo.CategoryPersistence, "free list links to slot %d past max message count %d; persistence file may be corrupt", idx, s.maxMsgCount)
		}
		if _, err := s.file.ReadAt(link, slotOffset(idx, s.slotSize)+sNextSlot); err != nil {
			return errinfo.Wrap(errinfo.CategoryPersistence, err, "reading free slot %d", idx)
		}
		freeCount++
		idx = getU32(link, 0)
	}
	if freeCount+uint32(len(s.saved)) != s.maxMsgCount {
		return errinfo.New(errinfo.CategoryPersistence,
			"message lists count %d does not match max message count %d; persistence file may be corrupt",
			freeCount+uint32(len(s.saved)), s.maxMsgCount)
	}
	return nil
}

// LastInSeqNum retorna a última sequência recebida, recuperada no Open.
func (s *Store) LastInSeqNum() uint32 { return s.lastInSeqNum }

// LastOutSeqNum retorna a última sequência transmitida, recuperada no Open.
func (s *Store) LastOutSeqNum() uint32 { return s.lastOutSeqNum }

// SlotsInUse reporta quantos slots fixos guardam uma mensagem salva no
// momento, para a amostragem periódica de gauges.
func (s *Store) SlotsInUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

// SlotsTotal reporta o total de slots fixos alocados no arquivo.
func (s *Store) SlotsTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.maxMsgCount)
}

// SavedList retorna as mensagens pendentes de transmissão ou
// retransmissão, em ordem de envio, para o replay antes de novas mensagens
// da aplicação serem aceitas.
func (s *Store) SavedList() []*Msg {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Msg, len(s.saved))
	copy(out, s.saved)
	return out
}

// ReadSavedPayload relê o payload codificado de uma mensagem retornada por
// SaveMsg ou recuperada via SavedList.
func (s *Store) ReadSavedPayload(m *Msg) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, m.Length)
	if _, err := s.file.ReadAt(buf, slotOffset(m.index, s.slotSize)+sPayload); err != nil {
		return nil, errinfo.Wrap(errinfo.CategoryPersistence, err, "reading saved payload for slot %d", m.index)
	}
	if s.compress {
		decoded, err := s.dec.DecodeAll(buf, nil)
		if err != nil {
			return nil, errinfo.Wrap(errinfo.CategoryPersistence, err, "decompressing saved payload for slot %d", m.index)
		}
		return decoded, nil
	}
	return buf, nil
}

// SaveMsg persiste payload com o timeout e o instante de enfileiramento
// dados, retornando o handle da mensagem salva. Falha com categoria de
// persistência quando a free list se esgota.
func (s *Store) SaveMsg(payload []byte, timeoutMs, nowMs int64) (*Msg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded := payload
	if s.compress {
		encoded = s.enc.EncodeAll(payload, nil)
	}
	if uint32(len(encoded)) > s.maxMsgLength {
		return nil, errinfo.New(errinfo.CategoryPersistence, "message of %d bytes exceeds max_msg_length %d", len(encoded), s.maxMsgLength)
	}
	if s.freeHead == sentinelIndex {
		return nil, errinfo.New(errinfo.CategoryPersistence, "persistence store is full")
	}

	index := s.freeHead
	slot := make([]byte, s.slotSize)
	if _, err := s.file.ReadAt(slot[:slotHeaderSize], slotOffset(index, s.slotSize)); err != nil {
		return nil, errinfo.Wrap(errinfo.CategoryPersistence, err, "reading free slot %d", index)
	}
	newFreeHead := getU32(slot, sNextSlot)

	putU32(slot, sNextSlot, sentinelIndex)
	putU32(slot, sFlags, flagNone)
	putU32(slot, sLength, uint32(len(encoded)))
	putI64(slot, sTimeQueued, nowMs)
	putI64(slot, sTimeout, timeoutMs)
	copy(slot[sPayload:], encoded)

	if _, err := s.file.WriteAt(slot, slotOffset(index, s.slotSize)); err != nil {
		return nil, errinfo.Wrap(errinfo.CategoryPersistence, err, "writing slot %d", index)
	}
	if err := s.file.Sync(); err != nil {
		return nil, errinfo.Wrap(errinfo.CategoryPersistence, err, "fsync after save")
	}
	if err := s.updateListHeads(newFreeHead, index); err != nil {
		return nil, err
	}
	if s.savedTail != sentinelIndex {
		if err := s.setNextSlot(s.savedTail, index); err != nil {
			return nil, err
		}
	}
	if err := s.file.Sync(); err != nil {
		return nil, errinfo.Wrap(errinfo.CategoryPersistence, err, "fsync after linking saved slot")
	}

	s.freeHead = newFreeHead
	m := &Msg{index: index, Length: uint32(len(encoded)), TimeQueued: nowMs, Timeout: timeoutMs}
	s.savedTail = index
	if s.savedHead == sentinelIndex {
		s.savedHead = index
	}
	s.saved = append(s.saved, m)
	return m, nil
}

// updateListHeads persiste a cabeça da free list (depois de tirar um slot)
// e a da saved list (se esta é a primeira mensagem salva), de modo que a
// recuperação nunca veja um slot que não está em lista nenhuma.
func (s *Store) updateListHeads(newFreeHead, newMsgIndex uint32) error {
	header := make([]byte, 8)
	putU32(header, 0, newFreeHead)
	if _, err := s.file.WriteAt(header[:4], hFreeListHead); err != nil {
		return errinfo.Wrap(errinfo.CategoryPersistence, err, "updating free list head")
	}
	if s.savedHead == sentinelIndex {
		putU32(header, 4, newMsgIndex)
		if _, err := s.file.WriteAt(header[4:8], hSavedListHead); err != nil {
			return errinfo.Wrap(errinfo.CategoryPersistence, err, "updating saved list head")
		}
	}
	return nil
}

func (s *Store) setNextSlot(index, next uint32) error {
	buf := make([]byte, 4)
	putU32(buf, 0, next)
	if _, err := s.file.WriteAt(buf, slotOffset(index, s.slotSize)+sNextSlot); err != nil {
		return errinfo.Wrap(errinfo.CategoryPersistence, err, "linking slot %d", index)
	}
	return nil
}

// MarkTransmitted atribui a próxima sequência a m e registra que ela foi
// enviada, para uma recuperação futura não tentar expirá-la.
func (s *Store) MarkTransmitted(m *Msg) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Flags&flagTransmitted != 0 {
		return m.SeqNum, nil
	}
	seq := s.lastOutSeqNum + 1
	buf := make([]byte, 4)
	putU32(buf, 0, seq)
	if _, err := s.file.WriteAt(buf, hLastOutSeqNum); err != nil {
		return 0, errinfo.Wrap(errinfo.CategoryPersistence, err, "updating last_out_seq_num")
	}
	m.Flags |= flagTransmitted
	flagBuf := make([]byte, 4)
	putU32(flagBuf, 0, m.Flags)
	if _, err := s.file.WriteAt(flagBuf, slotOffset(m.index, s.slotSize)+sFlags); err != nil {
		return 0, errinfo.Wrap(errinfo.CategoryPersistence, err, "updating slot %d flags", m.index)
	}
	if err := s.file.Sync(); err != nil {
		return 0, errinfo.Wrap(errinfo.CategoryPersistence, err, "fsync after transmit")
	}
	s.lastOutSeqNum = seq
	m.SeqNum = seq
	return seq, nil
}

// FreeMsgs libera toda mensagem transmitida com sequência até seqNum, o
// caminho de liberação do ack cumulativo. Como a saved list preserva a
// ordem de envio, só é preciso aparar a partir da cabeça.
func (s *Store) FreeMsgs(seqNum uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for n < len(s.saved) {
		m := s.saved[n]
		if m.Flags&flagTransmitted == 0 || seqLess(seqNum, m.SeqNum) {
			break
		}
		n++
	}
	if n == 0 {
		return nil
	}
	freed := s.saved[:n]
	s.saved = append([]*Msg{}, s.saved[n:]...)
	if len(s.saved) == 0 {
		s.savedHead = sentinelIndex
		s.savedTail = sentinelIndex
	} else {
		s.savedHead = s.saved[0].index
	}
	return s.returnToFreeListLocked(freed)
}

// FreeMsg libera uma única mensagem em qualquer posição, usado nos
// caminhos de dead letter e expiração.
func (s *Store) FreeMsg(target *Msg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.saved {
		if m == target {
			if i > 0 {
				// Religa o predecessor no arquivo para a saved list pular o
				// slot que volta para a free list.
				var next uint32 = sentinelIndex
				if i+1 < len(s.saved) {
					next = s.saved[i+1].index
				}
				if err := s.setNextSlot(s.saved[i-1].index, next); err != nil {
					return err
				}
			}
			s.saved = append(s.saved[:i], s.saved[i+1:]...)
			if len(s.saved) == 0 {
				s.savedHead = sentinelIndex
				s.savedTail = sentinelIndex
			} else {
				s.savedHead = s.saved[0].index
				s.savedTail = s.saved[len(s.saved)-1].index
			}
			return s.returnToFreeListLocked([]*Msg{target})
		}
	}
	return errinfo.New(errinfo.CategoryProgrammer, "FreeMsg called on a message not in the saved list")
}

func (s *Store) returnToFreeListLocked(freed []*Msg) error {
	for _, m := range freed {
		if err := s.setNextSlot(m.index, s.freeHead); err != nil {
			return err
		}
		s.freeHead = m.index
	}
	buf := make([]byte, 4)
	putU32(buf, 0, s.freeHead)
	if _, err := s.file.WriteAt(buf, hFreeListHead); err != nil {
		return errinfo.Wrap(errinfo.CategoryPersistence, err, "updating free list head")
	}
	savedHeadBuf := make([]byte, 4)
	putU32(savedHeadBuf, 0, s.savedHead)
	if _, err := s.file.WriteAt(savedHeadBuf, hSavedListHead); err != nil {
		return errinfo.Wrap(errinfo.CategoryPersistence, err, "updating saved list head")
	}
	return s.file.Sync()
}

// SaveLastInSeqNum persiste a última sequência recebida, para a
// recuperação após um crash retomar do ponto certo.
func (s *Store) SaveLastInSeqNum(seqNum uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, 4)
	putU32(buf, 0, seqNum)
	if _, err := s.file.WriteAt(buf, hLastInSeqNum); err != nil {
		return errinfo.Wrap(errinfo.CategoryPersistence, err, "updating last_in_seq_num")
	}
	if err := s.file.Sync(); err != nil {
		return errinfo.Wrap(errinfo.CategoryPersistence, err, "fsync after last_in_seq_num update")
	}
	s.lastInSeqNum = seqNum
	return nil
}

// Close solta o lock exclusivo e fecha o arquivo.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("closing persistence file: %w", err)
	}
	return nil
}

func seqLess(a, b uint32) bool { return int32(a-b) < 0 }
