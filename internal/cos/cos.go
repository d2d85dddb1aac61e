// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package cos implementa a negociação de classe de serviço do
// TunnelStream: a filter list common/authentication/flow_control/
// data_integrity/guarantee, sua ordem canônica no wire e as regras de
// negociação entre peers.
package cos

import "fmt"

// AuthType é o modo negociado do filtro de autenticação.
type AuthType byte

const (
	AuthNotRequired AuthType = 0
	AuthOMMLogin    AuthType = 1
)

// FlowControlType é o modo negociado do filtro de flow_control.
type FlowControlType byte

const (
	FlowControlNone          FlowControlType = 0
	FlowControlBidirectional FlowControlType = 1
)

// DataIntegrityType é o modo negociado do filtro de data_integrity.
type DataIntegrityType byte

const (
	DataIntegrityBestEffort DataIntegrityType = 0
	DataIntegrityReliable   DataIntegrityType = 1
)

// GuaranteeType é o modo negociado do filtro de guarantee. Esse filtro só
// aparece no wire quando pedido explicitamente.
type GuaranteeType byte

const (
	GuaranteeNone            GuaranteeType = 0
	GuaranteePersistentQueue GuaranteeType = 1
)

// DefaultMinRecvWindowSize é o menor recv_window_size aceito quando o
// flow_control é bidirecional.
const DefaultMinRecvWindowSize = 8192

// ProtocolTypeRWF identifica o protocolo RWF, exigido pela autenticação
// omm_login e pela garantia persistent_queue.
const ProtocolTypeRWF byte = 0

// ClassOfService é a configuração negociada carregada por um túnel. A
// ordem dos filtros no wire é sempre common, authentication, flow_control,
// data_integrity e, só quando pedido, guarantee.
type ClassOfService struct {
	Common struct {
		MaxMsgSize            uint32
		MaxFragmentSize       uint32
		SupportsFragmentation bool
		ProtocolType          byte
		ProtocolMajorVersion  byte
		ProtocolMinorVersion  byte
		StreamVersion         byte
	}
	Authentication struct {
		Type AuthType
	}
	FlowControl struct {
		Type           FlowControlType
		RecvWindowSize int64
	}
	DataIntegrity struct {
		Type DataIntegrityType
	}
	Guarantee struct {
		Requested bool
		Type      GuaranteeType
	}
}

// Default retorna uma ClassOfService com a base comum negociada aqui:
// data integrity confiável (o único modo suportado nesta versão), sem
// garantia e stream version 1.
func Default() ClassOfService {
	var c ClassOfService
	c.Common.MaxMsgSize = 6144
	c.Common.MaxFragmentSize = 6144
	c.Common.SupportsFragmentation = true
	c.Common.StreamVersion = StreamVersionCurrent
	c.DataIntegrity.Type = DataIntegrityReliable
	return c
}

// StreamVersionCurrent é a stream version que esta implementação fala.
const StreamVersionCurrent byte = 1

// Validate checa a consistência interna da configuração. Não faz a
// negociação com o peer (ver Negotiate).
func (c ClassOfService) Validate() error {
	if c.DataIntegrity.Type != DataIntegrityReliable {
		return fmt.Errorf("cos: data_integrity must be reliable in this version")
	}
	if c.Authentication.Type == AuthOMMLogin && c.Common.ProtocolType != ProtocolTypeRWF {
		return fmt.Errorf("cos: omm_login authentication requires the RWF protocol")
	}
	if c.FlowControl.Type == FlowControlBidirectional {
		if c.FlowControl.RecvWindowSize < DefaultMinRecvWindowSize {
			return fmt.Errorf("cos: bidirectional flow control requires recv_window_size >= %d, got %d",
				DefaultMinRecvWindowSize, c.FlowControl.RecvWindowSize)
		}
		if c.DataIntegrity.Type != DataIntegrityReliable {
			return fmt.Errorf("cos: bidirectional flow control requires reliable data_integrity")
		}
	}
	if c.Guarantee.Requested && c.Guarantee.Type == GuaranteePersistentQueue && c.Common.ProtocolType != ProtocolTypeRWF {
		return fmt.Errorf("cos: persistent_queue guarantee requires the RWF protocol")
	}
	return nil
}

// Negotiate calcula a classe de serviço que o lado local deve adotar dada
// a configuração pedida por ele e a anunciada pelo peer. A maior
// stream_version aceita é o mínimo do que os dois anunciam; guarantee
// nunca é pedida por um provider.
func Negotiate(local, remote ClassOfService) (ClassOfService, error) {
	result := local
	if remote.Common.StreamVersion < result.Common.StreamVersion {
		result.Common.StreamVersion = remote.Common.StreamVersion
	}
	if remote.Common.MaxFragmentSize < result.Common.MaxFragmentSize {
		result.Common.MaxFragmentSize = remote.Common.MaxFragmentSize
	}
	if remote.Common.MaxMsgSize < result.Common.MaxMsgSize {
		result.Common.MaxMsgSize = remote.Common.MaxMsgSize
	}
	result.Common.SupportsFragmentation = local.Common.SupportsFragmentation && remote.Common.SupportsFragmentation
	if err := result.Validate(); err != nil {
		return ClassOfService{}, err
	}
	return result, nil
}
