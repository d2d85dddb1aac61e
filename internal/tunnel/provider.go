// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package tunnel

import (
	"github.com/kestrun/tunnelstream/internal/cos"
	"github.com/kestrun/tunnelstream/internal/errinfo"
)

// OpenRequest é o request de abertura que um túnel no papel de provider
// valida antes de aceitar.
type OpenRequest struct {
	HasMsgKeyFilter bool
	HasServiceID    bool
	HasName         bool
	RequestedCoS    cos.ClassOfService
	SupportedCoS    cos.ClassOfService
}

// ValidateRequest roda os checks de auto-rejeição do lado provider e, se
// todos passarem, negocia e retorna a classe de serviço de abertura. Um
// Status não-nil significa que o request foi auto-rejeitado e o callback do
// listener nunca deve ser invocado para aceitação.
func ValidateRequest(req OpenRequest) (*cos.ClassOfService, *Status) {
	if !req.HasMsgKeyFilter {
		return nil, &Status{StreamState: StreamStateClosed, DataState: DataStateSuspect, Text: "Request is missing msgKey.filter"}
	}
	if !req.HasServiceID {
		return nil, &Status{StreamState: StreamStateClosed, DataState: DataStateSuspect, Text: "Request is missing msgKey.serviceId"}
	}
	if !req.HasName {
		return nil, &Status{StreamState: StreamStateClosed, DataState: DataStateSuspect, Text: "Request is missing msgKey.name"}
	}
	if req.RequestedCoS.Common.StreamVersion > req.SupportedCoS.Common.StreamVersion {
		return nil, &Status{StreamState: StreamStateClosed, DataState: DataStateSuspect, Text: "Request stream version is not supported"}
	}
	negotiated, err := cos.Negotiate(req.RequestedCoS, req.SupportedCoS)
	if err != nil {
		return nil, &Status{StreamState: StreamStateClosed, DataState: DataStateSuspect, Text: err.Error()}
	}
	return &negotiated, nil
}

// AcceptAsProvider leva um túnel provider direto para open depois que
// ValidateRequest aprovou o request e o refresh foi escrito no canal, ou
// para o round-trip de login quando a autenticação negociada é omm_login.
func (t *Tunnel) AcceptAsProvider(negotiated cos.ClassOfService) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CoS = negotiated
	if negotiated.Authentication.Type == cos.AuthOMMLogin {
		t.state = StateSendAuthLoginRequest
		return nil
	}
	t.state = StateOpen
	t.markDispatchPendingLocked()
	return nil
}

// CompleteHandshake aplica, no lado consumer, o refresh recebido da camada
// de mensagens que envolve o túnel: adota a classe de serviço negociada e
// vai para open, ou para o round-trip de login quando a autenticação é
// omm_login.
func (t *Tunnel) CompleteHandshake(negotiated cos.ClassOfService) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateSendRequest && t.state != StateWaitRefresh {
		return errinfo.New(errinfo.CategoryProgrammer, "CompleteHandshake called from state %s", t.state)
	}
	if err := negotiated.Validate(); err != nil {
		return errinfo.Wrap(errinfo.CategoryProtocol, err, "validating negotiated class of service")
	}
	t.CoS = negotiated
	if negotiated.FlowControl.RecvWindowSize > 0 {
		t.recvWindowSize = uint32(negotiated.FlowControl.RecvWindowSize)
	}
	if negotiated.Authentication.Type == cos.AuthOMMLogin {
		t.state = StateSendAuthLoginRequest
		return nil
	}
	t.state = StateOpen
	t.markDispatchPendingLocked()
	return nil
}

// CompleteAuthLogin sai do round-trip aninhado de login para open.
func (t *Tunnel) CompleteAuthLogin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateWaitAuthLoginResponse && t.state != StateSendAuthLoginRequest {
		return errinfo.New(errinfo.CategoryProgrammer, "CompleteAuthLogin called from state %s", t.state)
	}
	t.state = StateOpen
	t.markDispatchPendingLocked()
	return nil
}
