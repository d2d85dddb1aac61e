// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package cos

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kestrun/tunnelstream/internal/wire"
)

// Ids de filtro, na ordem canônica do wire. Guarantee só é escrito quando
// pedido explicitamente.
const (
	FilterCommon         byte = 1
	FilterAuthentication byte = 2
	FilterFlowControl    byte = 3
	FilterDataIntegrity  byte = 4
	FilterGuarantee      byte = 5
)

// Ids de elemento dentro de cada filtro.
const (
	elemMaxMsgSize            byte = 1
	elemMaxFragmentSize       byte = 2
	elemSupportsFragmentation byte = 3
	elemProtocolType          byte = 4
	elemProtocolMajorVersion  byte = 5
	elemProtocolMinorVersion  byte = 6
	elemStreamVersion         byte = 7

	elemAuthType byte = 1

	elemFlowControlType byte = 1
	elemRecvWindowSize  byte = 2

	elemDataIntegrityType byte = 1

	elemGuaranteeType byte = 1
)

// Tipos de dado de elemento. Puramente descritivos: o decoder trata os
// dois do mesmo jeito (lê um byte de comprimento e depois os bytes crus),
// então elementos desconhecidos sempre podem ser pulados.
const (
	typeUint byte = 1
	typeInt  byte = 2
)

func writeElement(w io.Writer, id, typ byte, raw []byte) error {
	if len(raw) > 255 {
		return fmt.Errorf("cos: element %d too long", id)
	}
	if _, err := w.Write([]byte{id, typ, byte(len(raw))}); err != nil {
		return err
	}
	_, err := w.Write(raw)
	return err
}

func minimalUint(v uint64) []byte {
	var full [8]byte
	binary.BigEndian.PutUint64(full[:], v)
	i := 0
	for i < 7 && full[i] == 0 {
		i++
	}
	return full[i:]
}

func writeUintElement(w io.Writer, id byte, v uint64) error {
	return writeElement(w, id, typeUint, minimalUint(v))
}

func writeByteElement(w io.Writer, id byte, v byte) error {
	return writeElement(w, id, typeUint, []byte{v})
}

func writeBoolElement(w io.Writer, id byte, v bool) error {
	b := byte(0)
	if v {
		b = 1
	}
	return writeByteElement(w, id, b)
}

func writeIntElement(w io.Writer, id byte, v int64) error {
	raw := minimalUint(uint64(v))
	if v < 0 {
		// Preserva o sinal mantendo a forma completa de 8 bytes em
		// complemento de dois.
		var full [8]byte
		binary.BigEndian.PutUint64(full[:], uint64(v))
		raw = full[:]
	}
	return writeElement(w, id, typeInt, raw)
}

type rawElement struct {
	id  byte
	typ byte
	raw []byte
}

func readElement(r io.Reader) (rawElement, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return rawElement{}, fmt.Errorf("%w: reading element header: %v", wire.ErrIncompleteData, err)
	}
	raw := make([]byte, hdr[2])
	if len(raw) > 0 {
		if _, err := io.ReadFull(r, raw); err != nil {
			return rawElement{}, fmt.Errorf("%w: reading element %d payload: %v", wire.ErrIncompleteData, hdr[0], err)
		}
	}
	return rawElement{id: hdr[0], typ: hdr[1], raw: raw}, nil
}

func (e rawElement) asUint() uint64 {
	var full [8]byte
	copy(full[8-len(e.raw):], e.raw)
	return binary.BigEndian.Uint64(full[:])
}

func (e rawElement) asInt() int64 {
	if len(e.raw) == 8 {
		return int64(binary.BigEndian.Uint64(e.raw))
	}
	return int64(e.asUint())
}

func (e rawElement) asByte() (byte, error) {
	if len(e.raw) == 0 {
		return 0, nil
	}
	if e.raw[0] != 0 && len(e.raw) > 1 {
		return 0, fmt.Errorf("%w: element %d does not fit in one byte", wire.ErrDecodeError, e.id)
	}
	return e.raw[len(e.raw)-1], nil
}

func writeFilter(w io.Writer, id byte, count byte, body []byte) error {
	if _, err := w.Write([]byte{id, count}); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// Encode escreve em w a filter list canônica de c.
func Encode(w io.Writer, c ClassOfService) error {
	var common bytesBuf
	if err := writeUintElement(&common, elemMaxMsgSize, uint64(c.Common.MaxMsgSize)); err != nil {
		return err
	}
	if err := writeUintElement(&common, elemMaxFragmentSize, uint64(c.Common.MaxFragmentSize)); err != nil {
		return err
	}
	if err := writeBoolElement(&common, elemSupportsFragmentation, c.Common.SupportsFragmentation); err != nil {
		return err
	}
	if err := writeByteElement(&common, elemProtocolType, c.Common.ProtocolType); err != nil {
		return err
	}
	if err := writeByteElement(&common, elemProtocolMajorVersion, c.Common.ProtocolMajorVersion); err != nil {
		return err
	}
	if err := writeByteElement(&common, elemProtocolMinorVersion, c.Common.ProtocolMinorVersion); err != nil {
		return err
	}
	if err := writeByteElement(&common, elemStreamVersion, c.Common.StreamVersion); err != nil {
		return err
	}

	var auth bytesBuf
	if err := writeByteElement(&auth, elemAuthType, byte(c.Authentication.Type)); err != nil {
		return err
	}

	var flow bytesBuf
	if err := writeByteElement(&flow, elemFlowControlType, byte(c.FlowControl.Type)); err != nil {
		return err
	}
	if err := writeIntElement(&flow, elemRecvWindowSize, c.FlowControl.RecvWindowSize); err != nil {
		return err
	}

	var integrity bytesBuf
	if err := writeByteElement(&integrity, elemDataIntegrityType, byte(c.DataIntegrity.Type)); err != nil {
		return err
	}

	numFilters := byte(4)
	if c.Guarantee.Requested {
		numFilters = 5
	}
	if _, err := w.Write([]byte{numFilters}); err != nil {
		return fmt.Errorf("writing filter count: %w", err)
	}
	if err := writeFilter(w, FilterCommon, 7, common.Bytes()); err != nil {
		return fmt.Errorf("writing common filter: %w", err)
	}
	if err := writeFilter(w, FilterAuthentication, 1, auth.Bytes()); err != nil {
		return fmt.Errorf("writing authentication filter: %w", err)
	}
	if err := writeFilter(w, FilterFlowControl, 2, flow.Bytes()); err != nil {
		return fmt.Errorf("writing flow_control filter: %w", err)
	}
	if err := writeFilter(w, FilterDataIntegrity, 1, integrity.Bytes()); err != nil {
		return fmt.Errorf("writing data_integrity filter: %w", err)
	}
	if c.Guarantee.Requested {
		var guarantee bytesBuf
		if err := writeByteElement(&guarantee, elemGuaranteeType, byte(c.Guarantee.Type)); err != nil {
			return err
		}
		if err := writeFilter(w, FilterGuarantee, 1, guarantee.Bytes()); err != nil {
			return fmt.Errorf("writing guarantee filter: %w", err)
		}
	}
	return nil
}

// Decode lê uma filter list completa. Elementos e filtros desconhecidos
// são pulados.
func Decode(r io.Reader) (ClassOfService, error) {
	var c ClassOfService
	var filterCount [1]byte
	if _, err := io.ReadFull(r, filterCount[:]); err != nil {
		return c, fmt.Errorf("%w: reading filter count: %v", wire.ErrIncompleteData, err)
	}
	for i := 0; i < int(filterCount[0]); i++ {
		var hdr [2]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return c, fmt.Errorf("%w: reading filter header: %v", wire.ErrIncompleteData, err)
		}
		id, count := hdr[0], hdr[1]
		if err := decodeFilterBody(r, id, count, &c); err != nil {
			return c, err
		}
	}
	return c, nil
}

// DecodeStreamVersion lê só o suficiente do filtro common para descobrir a
// stream_version e retorna sem decodificar os filtros restantes. Assume o
// filtro common primeiro, a ordem canônica que este codec sempre escreve.
func DecodeStreamVersion(r io.Reader) (byte, error) {
	var filterCount [1]byte
	if _, err := io.ReadFull(r, filterCount[:]); err != nil {
		return 0, fmt.Errorf("%w: reading filter count: %v", wire.ErrIncompleteData, err)
	}
	if filterCount[0] == 0 {
		return 0, fmt.Errorf("%w: empty filter list", wire.ErrDecodeError)
	}
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, fmt.Errorf("%w: reading common filter header: %v", wire.ErrIncompleteData, err)
	}
	if hdr[0] != FilterCommon {
		return 0, fmt.Errorf("%w: expected common filter first, got id %d", wire.ErrDecodeError, hdr[0])
	}
	for i := 0; i < int(hdr[1]); i++ {
		el, err := readElement(r)
		if err != nil {
			return 0, err
		}
		if el.id == elemStreamVersion {
			return el.asByte()
		}
	}
	return 0, fmt.Errorf("%w: stream_version element missing from common filter", wire.ErrDecodeError)
}

func decodeFilterBody(r io.Reader, id, count byte, c *ClassOfService) error {
	for i := 0; i < int(count); i++ {
		el, err := readElement(r)
		if err != nil {
			return err
		}
		switch id {
		case FilterCommon:
			switch el.id {
			case elemMaxMsgSize:
				c.Common.MaxMsgSize = uint32(el.asUint())
			case elemMaxFragmentSize:
				c.Common.MaxFragmentSize = uint32(el.asUint())
			case elemSupportsFragmentation:
				b, err := el.asByte()
				if err != nil {
					return err
				}
				c.Common.SupportsFragmentation = b != 0
			case elemProtocolType:
				c.Common.ProtocolType, err = el.asByte()
			case elemProtocolMajorVersion:
				c.Common.ProtocolMajorVersion, err = el.asByte()
			case elemProtocolMinorVersion:
				c.Common.ProtocolMinorVersion, err = el.asByte()
			case elemStreamVersion:
				c.Common.StreamVersion, err = el.asByte()
			}
		case FilterAuthentication:
			if el.id == elemAuthType {
				var b byte
				b, err = el.asByte()
				c.Authentication.Type = AuthType(b)
			}
		case FilterFlowControl:
			switch el.id {
			case elemFlowControlType:
				var b byte
				b, err = el.asByte()
				c.FlowControl.Type = FlowControlType(b)
			case elemRecvWindowSize:
				c.FlowControl.RecvWindowSize = el.asInt()
			}
		case FilterDataIntegrity:
			if el.id == elemDataIntegrityType {
				var b byte
				b, err = el.asByte()
				c.DataIntegrity.Type = DataIntegrityType(b)
			}
		case FilterGuarantee:
			c.Guarantee.Requested = true
			if el.id == elemGuaranteeType {
				var b byte
				b, err = el.asByte()
				c.Guarantee.Type = GuaranteeType(b)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// bytesBuf é um buffer de bytes mínimo para montar corpos de filtro antes
// de o header com contagem ser conhecido.
type bytesBuf struct {
	b []byte
}

func (b *bytesBuf) Write(p []byte) (int, error) {
	b.b = append(b.b, p...)
	return len(p), nil
}

func (b *bytesBuf) Bytes() []byte { return b.b }
