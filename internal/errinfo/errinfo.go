// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package errinfo define o código de resultado e o registro de erro que
// toda API pública do TunnelStream retorna: um Code de um conjunto fechado
// mais um ErrorInfo legível com categoria e erro de SO subjacente.
package errinfo

import "fmt"

// Code é o conjunto fechado de códigos de resultado das APIs públicas.
type Code int

const (
	Success Code = iota
	Failure
	InvalidArgument
	BufferNoBuffers
	PersistenceFull
	NoTunnelStream
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case InvalidArgument:
		return "invalid_argument"
	case BufferNoBuffers:
		return "buffer_no_buffers"
	case PersistenceFull:
		return "persistence_full"
	case NoTunnelStream:
		return "no_tunnel_stream"
	default:
		return "unknown"
	}
}

// Category classifica os tipos de erro.
type Category int

const (
	CategoryNone Category = iota
	CategoryProtocol
	CategoryTransport
	CategoryPersistence
	CategoryResource
	CategoryProgrammer
)

func (c Category) String() string {
	switch c {
	case CategoryProtocol:
		return "protocol"
	case CategoryTransport:
		return "transport"
	case CategoryPersistence:
		return "persistence"
	case CategoryResource:
		return "resource"
	case CategoryProgrammer:
		return "programmer"
	default:
		return "none"
	}
}

// ErrorInfo carrega uma descrição legível junto da categoria e de
// qualquer erro de SO embrulhado.
type ErrorInfo struct {
	Category Category
	Text     string
	Err      error
}

func (e *ErrorInfo) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Text, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Text)
}

func (e *ErrorInfo) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New monta um ErrorInfo com a categoria e o texto formatado dados.
func New(category Category, format string, args ...any) *ErrorInfo {
	return &ErrorInfo{Category: category, Text: fmt.Sprintf(format, args...)}
}

// Wrap monta um ErrorInfo que embrulha um erro subjacente.
func Wrap(category Category, err error, format string, args ...any) *ErrorInfo {
	return &ErrorInfo{Category: category, Text: fmt.Sprintf(format, args...), Err: err}
}

// Result emparelha um Code com um ErrorInfo opcional, espelhando o retorno
// das APIs públicas sem obrigar cada chamador a carregar dois valores.
type Result struct {
	Code Code
	Info *ErrorInfo
}

// Ok é o resultado de sucesso.
func Ok() Result { return Result{Code: Success} }

// Err monta um Result de falha a partir de um Code e um ErrorInfo.
func Err(code Code, info *ErrorInfo) Result {
	return Result{Code: code, Info: info}
}

func (r Result) IsOk() bool { return r.Code == Success }

func (r Result) Error() string {
	if r.Info == nil {
		return r.Code.String()
	}
	return r.Info.Error()
}
