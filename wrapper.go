// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package tunnelstream

import (
	"bytes"

	"github.com/kestrun/tunnelstream/internal/errinfo"
	"github.com/kestrun/tunnelstream/internal/queue"
	"github.com/kestrun/tunnelstream/internal/wire"
)

// queueWrapperContainerType marca um payload entregue ao callback default
// que na verdade embrulha um evento de fila recusado com ActionRaise.
const queueWrapperContainerType = wire.ContainerTypeMin

// synthesizeQueueWrapper recodifica um evento de fila gerado localmente no
// formato de wire correspondente, para que o callback default o receba como
// receberia a mensagem encapsulada original.
func synthesizeQueueWrapper(ev queue.Event) ([]byte, error) {
	var buf bytes.Buffer
	switch ev.Kind {
	case queue.EventAck:
		if err := wire.WriteQueueAck(&buf, wire.QueueAck{SeqNum: ev.SeqNum, Identifier: ev.Identifier}); err != nil {
			return nil, errinfo.Wrap(errinfo.CategoryProtocol, err, "encoding queue ack wrapper")
		}
	case queue.EventDeadLetter:
		if err := wire.WriteQueueDeadLetter(&buf, wire.QueueDeadLetter{
			Code:      byte(ev.Code),
			FromQueue: ev.FromQueue,
			ToQueue:   ev.ToQueue,
			Payload:   ev.Payload,
		}); err != nil {
			return nil, errinfo.Wrap(errinfo.CategoryProtocol, err, "encoding queue dead letter wrapper")
		}
	case queue.EventData:
		if _, err := wire.WriteQueueData(&buf, wire.QueueData{
			SeqNum:        ev.SeqNum,
			FromQueue:     ev.FromQueue,
			ToQueue:       ev.ToQueue,
			Identifier:    ev.Identifier,
			ContainerType: queueWrapperContainerType,
			Payload:       ev.Payload,
		}); err != nil {
			return nil, errinfo.Wrap(errinfo.CategoryProtocol, err, "encoding queue data wrapper")
		}
	case queue.EventRefresh:
		if err := wire.WriteQueueRefresh(&buf, wire.QueueRefresh{QueueDepth: ev.QueueDepth}); err != nil {
			return nil, errinfo.Wrap(errinfo.CategoryProtocol, err, "encoding queue refresh wrapper")
		}
	}
	return buf.Bytes(), nil
}
