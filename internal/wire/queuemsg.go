// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Flags da mensagem QueueData.
const (
	// QueueFlagPossibleDuplicate indica que o remetente não pode provar que
	// o receptor ainda não viu esta sequência (reenvio após recovery).
	QueueFlagPossibleDuplicate uint16 = 0x1
)

// QueueRequest abre um substream de fila dentro de um túnel.
// Formato: [QOpRequest 1B] [SubstreamID 4B] [DomainType 1B]
// [FromQueue RB-u15 + bytes] [LastOutSeq 4B] [LastInSeq 4B]
type QueueRequest struct {
	SubstreamID int32
	DomainType  byte
	FromQueue   string
	LastOutSeq  uint32
	LastInSeq   uint32
}

// WriteQueueRequest escreve o frame de abertura do substream.
func WriteQueueRequest(w io.Writer, q QueueRequest) error {
	if _, err := w.Write([]byte{byte(QOpRequest)}); err != nil {
		return fmt.Errorf("writing queue request opcode: %w", err)
	}
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], uint32(q.SubstreamID))
	if _, err := w.Write(id[:]); err != nil {
		return fmt.Errorf("writing queue request substream id: %w", err)
	}
	if _, err := w.Write([]byte{q.DomainType}); err != nil {
		return fmt.Errorf("writing queue request domain type: %w", err)
	}
	if err := writeQueueName(w, q.FromQueue); err != nil {
		return fmt.Errorf("writing queue request source name: %w", err)
	}
	var seqs [8]byte
	binary.BigEndian.PutUint32(seqs[0:4], q.LastOutSeq)
	binary.BigEndian.PutUint32(seqs[4:8], q.LastInSeq)
	if _, err := w.Write(seqs[:]); err != nil {
		return fmt.Errorf("writing queue request sequence numbers: %w", err)
	}
	return nil
}

// ReadQueueRequest lê o frame de abertura. O opcode já foi consumido.
func ReadQueueRequest(r io.Reader) (QueueRequest, error) {
	var q QueueRequest
	var id [4]byte
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return q, fmt.Errorf("%w: reading queue request substream id: %v", ErrIncompleteData, err)
	}
	q.SubstreamID = int32(binary.BigEndian.Uint32(id[:]))
	var dt [1]byte
	if _, err := io.ReadFull(r, dt[:]); err != nil {
		return q, fmt.Errorf("%w: reading queue request domain type: %v", ErrIncompleteData, err)
	}
	q.DomainType = dt[0]
	name, err := readQueueName(r)
	if err != nil {
		return q, fmt.Errorf("reading queue request source name: %w", err)
	}
	q.FromQueue = name
	var seqs [8]byte
	if _, err := io.ReadFull(r, seqs[:]); err != nil {
		return q, fmt.Errorf("%w: reading queue request sequence numbers: %v", ErrIncompleteData, err)
	}
	q.LastOutSeq = binary.BigEndian.Uint32(seqs[0:4])
	q.LastInSeq = binary.BigEndian.Uint32(seqs[4:8])
	return q, nil
}

// QueueRefresh responde a um QueueRequest com o estado remoto da fila.
// Formato: [QOpRefresh 1B] [SubstreamID 4B] [LastOutSeq 4B] [LastInSeq 4B]
// [QueueDepth 4B]
type QueueRefresh struct {
	SubstreamID int32
	LastOutSeq  uint32
	LastInSeq   uint32
	QueueDepth  uint32
}

// WriteQueueRefresh escreve o frame de refresh do substream.
func WriteQueueRefresh(w io.Writer, q QueueRefresh) error {
	buf := make([]byte, 1+4+4+4+4)
	buf[0] = byte(QOpRefresh)
	binary.BigEndian.PutUint32(buf[1:5], uint32(q.SubstreamID))
	binary.BigEndian.PutUint32(buf[5:9], q.LastOutSeq)
	binary.BigEndian.PutUint32(buf[9:13], q.LastInSeq)
	binary.BigEndian.PutUint32(buf[13:17], q.QueueDepth)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing queue refresh: %w", err)
	}
	return nil
}

// ReadQueueRefresh lê o frame de refresh. O opcode já foi consumido.
func ReadQueueRefresh(r io.Reader) (QueueRefresh, error) {
	var q QueueRefresh
	buf := make([]byte, 4+4+4+4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return q, fmt.Errorf("%w: reading queue refresh: %v", ErrIncompleteData, err)
	}
	q.SubstreamID = int32(binary.BigEndian.Uint32(buf[0:4]))
	q.LastOutSeq = binary.BigEndian.Uint32(buf[4:8])
	q.LastInSeq = binary.BigEndian.Uint32(buf[8:12])
	q.QueueDepth = binary.BigEndian.Uint32(buf[12:16])
	return q, nil
}

// QueueData carrega uma mensagem de aplicação entre filas nomeadas.
// Formato: [QOpData 1B] [SubstreamID 4B] [Flags RB-u15] [SeqNum 4B]
// [FromQueue RB-u15 + bytes] [ToQueue RB-u15 + bytes] [Timeout LS-i64]
// [Identifier RB-u15] [ContainerType 1B] [Payload resto do frame]
//
// O campo SeqNum é patchado no momento da transmissão: SeqNumOffset informa
// onde ele fica dentro do frame codificado.
type QueueData struct {
	SubstreamID   int32
	Flags         uint16
	SeqNum        uint32
	FromQueue     string
	ToQueue       string
	TimeoutMs     int64
	Identifier    uint16
	ContainerType byte
	Payload       []byte
}

// PossibleDuplicate informa se o flag de possível duplicata está marcado.
func (q QueueData) PossibleDuplicate() bool {
	return q.Flags&QueueFlagPossibleDuplicate != 0
}

// WriteQueueData escreve uma mensagem de dados do substream e retorna o
// offset do campo SeqNum dentro dos bytes escritos, para o patch na
// transmissão.
func WriteQueueData(w io.Writer, q QueueData) (seqNumOffset int, err error) {
	if _, err := w.Write([]byte{byte(QOpData)}); err != nil {
		return 0, fmt.Errorf("writing queue data opcode: %w", err)
	}
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], uint32(q.SubstreamID))
	if _, err := w.Write(id[:]); err != nil {
		return 0, fmt.Errorf("writing queue data substream id: %w", err)
	}
	written := 5
	if q.Flags >= 0x80 {
		written += 2
	} else {
		written++
	}
	if err := EncodeRBU15(w, q.Flags); err != nil {
		return 0, fmt.Errorf("writing queue data flags: %w", err)
	}
	seqNumOffset = written
	var seq [4]byte
	binary.BigEndian.PutUint32(seq[:], q.SeqNum)
	if _, err := w.Write(seq[:]); err != nil {
		return 0, fmt.Errorf("writing queue data seq: %w", err)
	}
	if err := writeQueueName(w, q.FromQueue); err != nil {
		return 0, fmt.Errorf("writing queue data source name: %w", err)
	}
	if err := writeQueueName(w, q.ToQueue); err != nil {
		return 0, fmt.Errorf("writing queue data destination name: %w", err)
	}
	if err := EncodeLSI64(w, q.TimeoutMs); err != nil {
		return 0, fmt.Errorf("writing queue data timeout: %w", err)
	}
	if err := EncodeRBU15(w, q.Identifier); err != nil {
		return 0, fmt.Errorf("writing queue data identifier: %w", err)
	}
	if _, err := w.Write([]byte{q.ContainerType}); err != nil {
		return 0, fmt.Errorf("writing queue data container type: %w", err)
	}
	if _, err := w.Write(q.Payload); err != nil {
		return 0, fmt.Errorf("writing queue data payload: %w", err)
	}
	return seqNumOffset, nil
}

// ReadQueueData lê uma mensagem de dados. O opcode já foi consumido; o
// payload vai até o fim de r.
func ReadQueueData(r *FrameReader) (QueueData, error) {
	var q QueueData
	var id [4]byte
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return q, fmt.Errorf("%w: reading queue data substream id: %v", ErrIncompleteData, err)
	}
	q.SubstreamID = int32(binary.BigEndian.Uint32(id[:]))
	flags, err := DecodeRBU15(r)
	if err != nil {
		return q, fmt.Errorf("reading queue data flags: %w", err)
	}
	q.Flags = flags
	var seq [4]byte
	if _, err := io.ReadFull(r, seq[:]); err != nil {
		return q, fmt.Errorf("%w: reading queue data seq: %v", ErrIncompleteData, err)
	}
	q.SeqNum = binary.BigEndian.Uint32(seq[:])
	if q.FromQueue, err = readQueueName(r); err != nil {
		return q, fmt.Errorf("reading queue data source name: %w", err)
	}
	if q.ToQueue, err = readQueueName(r); err != nil {
		return q, fmt.Errorf("reading queue data destination name: %w", err)
	}
	if q.TimeoutMs, err = DecodeLSI64(r); err != nil {
		return q, fmt.Errorf("reading queue data timeout: %w", err)
	}
	if q.Identifier, err = DecodeRBU15(r); err != nil {
		return q, fmt.Errorf("reading queue data identifier: %w", err)
	}
	var ct [1]byte
	if _, err := io.ReadFull(r, ct[:]); err != nil {
		return q, fmt.Errorf("%w: reading queue data container type: %v", ErrIncompleteData, err)
	}
	q.ContainerType = ct[0]
	q.Payload = r.Rest()
	return q, nil
}

// QueueAck confirma a entrega de uma mensagem de dados do substream.
// Formato: [QOpAck 1B] [SubstreamID 4B] [SeqNum 4B] [Identifier RB-u15]
type QueueAck struct {
	SubstreamID int32
	SeqNum      uint32
	Identifier  uint16
}

// WriteQueueAck escreve o ack do substream.
func WriteQueueAck(w io.Writer, q QueueAck) error {
	buf := make([]byte, 1+4+4)
	buf[0] = byte(QOpAck)
	binary.BigEndian.PutUint32(buf[1:5], uint32(q.SubstreamID))
	binary.BigEndian.PutUint32(buf[5:9], q.SeqNum)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing queue ack: %w", err)
	}
	if err := EncodeRBU15(w, q.Identifier); err != nil {
		return fmt.Errorf("writing queue ack identifier: %w", err)
	}
	return nil
}

// ReadQueueAck lê o ack do substream. O opcode já foi consumido.
func ReadQueueAck(r io.Reader) (QueueAck, error) {
	var q QueueAck
	buf := make([]byte, 4+4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return q, fmt.Errorf("%w: reading queue ack: %v", ErrIncompleteData, err)
	}
	q.SubstreamID = int32(binary.BigEndian.Uint32(buf[0:4]))
	q.SeqNum = binary.BigEndian.Uint32(buf[4:8])
	id, err := DecodeRBU15(r)
	if err != nil {
		return q, fmt.Errorf("reading queue ack identifier: %w", err)
	}
	q.Identifier = id
	return q, nil
}

// QueueDeadLetter notifica que uma mensagem não pôde ser entregue.
// Formato: [QOpDeadLetter 1B] [SubstreamID 4B] [Code 1B]
// [FromQueue RB-u15 + bytes] [ToQueue RB-u15 + bytes] [Payload resto]
type QueueDeadLetter struct {
	SubstreamID int32
	Code        byte
	FromQueue   string
	ToQueue     string
	Payload     []byte
}

// WriteQueueDeadLetter escreve a notificação de dead letter.
func WriteQueueDeadLetter(w io.Writer, q QueueDeadLetter) error {
	var head [6]byte
	head[0] = byte(QOpDeadLetter)
	binary.BigEndian.PutUint32(head[1:5], uint32(q.SubstreamID))
	head[5] = q.Code
	if _, err := w.Write(head[:]); err != nil {
		return fmt.Errorf("writing queue dead letter header: %w", err)
	}
	if err := writeQueueName(w, q.FromQueue); err != nil {
		return fmt.Errorf("writing queue dead letter source name: %w", err)
	}
	if err := writeQueueName(w, q.ToQueue); err != nil {
		return fmt.Errorf("writing queue dead letter destination name: %w", err)
	}
	if _, err := w.Write(q.Payload); err != nil {
		return fmt.Errorf("writing queue dead letter payload: %w", err)
	}
	return nil
}

// ReadQueueDeadLetter lê a notificação de dead letter. O opcode já foi
// consumido; o payload vai até o fim de r.
func ReadQueueDeadLetter(r *FrameReader) (QueueDeadLetter, error) {
	var q QueueDeadLetter
	buf := make([]byte, 5)
	if _, err := io.ReadFull(r, buf); err != nil {
		return q, fmt.Errorf("%w: reading queue dead letter header: %v", ErrIncompleteData, err)
	}
	q.SubstreamID = int32(binary.BigEndian.Uint32(buf[0:4]))
	q.Code = buf[4]
	var err error
	if q.FromQueue, err = readQueueName(r); err != nil {
		return q, fmt.Errorf("reading queue dead letter source name: %w", err)
	}
	if q.ToQueue, err = readQueueName(r); err != nil {
		return q, fmt.Errorf("reading queue dead letter destination name: %w", err)
	}
	q.Payload = r.Rest()
	return q, nil
}

// maxQueueNameLength limita nomes de fila no wire.
const maxQueueNameLength = 200

func writeQueueName(w io.Writer, name string) error {
	if len(name) > maxQueueNameLength {
		return fmt.Errorf("%w: queue name of %d bytes exceeds %d", ErrDecodeError, len(name), maxQueueNameLength)
	}
	if err := EncodeRBU15(w, uint16(len(name))); err != nil {
		return err
	}
	_, err := io.WriteString(w, name)
	return err
}

func readQueueName(r io.Reader) (string, error) {
	n, err := DecodeRBU15(r)
	if err != nil {
		return "", err
	}
	if n > maxQueueNameLength {
		return "", fmt.Errorf("%w: queue name of %d bytes exceeds %d", ErrDecodeError, n, maxQueueNameLength)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("%w: reading queue name: %v", ErrIncompleteData, err)
	}
	return string(buf), nil
}
