// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package tunnel

import (
	"github.com/awnumar/memguard"

	"github.com/kestrun/tunnelstream/internal/errinfo"
)

// AuthToken guarda o token opaco de autenticação que o engine repassa uma
// única vez no handshake e nunca interpreta. Ele fica em um buffer
// trancado pelo memguard desde o recebimento até ser copiado para o buffer
// de login do wire, e é destruído em seguida.
type AuthToken struct {
	buf *memguard.LockedBuffer
}

// NewAuthToken toma posse de raw, trancando-o em memória protegida. O
// chamador não deve reter raw depois.
func NewAuthToken(raw []byte) *AuthToken {
	return &AuthToken{buf: memguard.NewBufferFromBytes(raw)}
}

// SendAuthLoginRequest copia o token para o buffer do login-request de
// saída e destrói a cópia protegida. Só é válido dentro do round-trip de
// login, uma única vez.
func (t *Tunnel) SendAuthLoginRequest(tok *AuthToken) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateSendAuthLoginRequest {
		return nil, errinfo.New(errinfo.CategoryProgrammer, "SendAuthLoginRequest called from state %s", t.state)
	}
	if tok == nil || tok.buf == nil || !tok.buf.IsAlive() {
		return nil, errinfo.New(errinfo.CategoryProgrammer, "auth token already consumed or nil")
	}
	out := make([]byte, tok.buf.Size())
	copy(out, tok.buf.Bytes())
	tok.buf.Destroy()
	t.state = StateWaitAuthLoginResponse
	return out, nil
}
