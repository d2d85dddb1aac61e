// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package tunnelstream

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/kestrun/tunnelstream/internal/bufpool"
	"github.com/kestrun/tunnelstream/internal/cos"
	"github.com/kestrun/tunnelstream/internal/persist"
	"github.com/kestrun/tunnelstream/internal/queue"
	"github.com/kestrun/tunnelstream/internal/tunnel"
)

// fakeClock é um relógio controlado pelos testes.
type fakeClock struct{ now int64 }

func (c *fakeClock) NowMillis() int64 { return c.now }

// captureChannel captura os frames submetidos para o teste encaminhá-los ao
// engine do outro lado.
type captureChannel struct {
	pool   *bufpool.Pool
	frames [][]byte
}

func newCaptureChannel() *captureChannel {
	return &captureChannel{pool: bufpool.New(65536, 0)}
}

func (c *captureChannel) GetBuffer(size int) (*bufpool.Buffer, error) {
	return c.pool.GetInternalBuffer(size)
}

func (c *captureChannel) Submit(buf *bufpool.Buffer) error {
	frame := make([]byte, buf.Len())
	copy(frame, buf.Bytes())
	c.frames = append(c.frames, frame)
	c.pool.Release(buf)
	return nil
}

func (c *captureChannel) Release(buf *bufpool.Buffer) { c.pool.Release(buf) }

func (c *captureChannel) drain() [][]byte {
	out := c.frames
	c.frames = nil
	return out
}

// recorder acumula o que os callbacks receberam.
type recorder struct {
	statuses    []tunnel.Status
	defaultMsgs [][]byte
	queueEvents []queue.Event
	queueAction CallbackAction
}

func (r *recorder) StatusEvent(_ *TunnelHandle, s tunnel.Status) { r.statuses = append(r.statuses, s) }
func (r *recorder) DefaultMsg(_ *TunnelHandle, payload []byte, _ byte) {
	r.defaultMsgs = append(r.defaultMsgs, payload)
}
func (r *recorder) QueueMsg(_ *TunnelHandle, ev queue.Event) CallbackAction {
	r.queueEvents = append(r.queueEvents, ev)
	return r.queueAction
}

type testPeer struct {
	engine   *Engine
	handle   *TunnelHandle
	channel  *captureChannel
	recorder *recorder
}

// pump encaminha os frames capturados de from para to até estabilizar.
func pump(t *testing.T, from, to *testPeer) {
	t.Helper()
	for i := 0; i < 16; i++ {
		frames := from.channel.drain()
		if len(frames) == 0 {
			return
		}
		for _, f := range frames {
			if _, err := to.engine.Read(to.handle, f); err != nil {
				t.Fatalf("Read: %v", err)
			}
		}
		if _, err := to.engine.Dispatch(to.handle); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	t.Fatal("frame exchange did not settle")
}

func bidirectionalCoS() cos.ClassOfService {
	c := cos.Default()
	c.FlowControl.Type = cos.FlowControlBidirectional
	c.FlowControl.RecvWindowSize = 65535
	return c
}

func newPair(t *testing.T, clock *fakeClock) (consumer, provider *testPeer) {
	t.Helper()

	chA, chB := newCaptureChannel(), newCaptureChannel()
	recA, recB := &recorder{}, &recorder{}

	engA := NewEngine(Config{Clock: clock})
	hA, code, err := engA.OpenTunnel(TunnelOptions{StreamID: 3, DomainType: 10, ClassOfService: bidirectionalCoS(), Channel: chA, Callbacks: recA})
	if err != nil || code != Success {
		t.Fatalf("OpenTunnel: code=%v err=%v", code, err)
	}

	engB := NewEngine(Config{Clock: clock})
	req := tunnel.OpenRequest{HasMsgKeyFilter: true, HasServiceID: true, HasName: true, RequestedCoS: bidirectionalCoS(), SupportedCoS: bidirectionalCoS()}
	hB, code, err := engB.AcceptTunnel(req, TunnelOptions{StreamID: 3, DomainType: 10, Channel: chB, Callbacks: recB})
	if err != nil || code != Success {
		t.Fatalf("AcceptTunnel: code=%v err=%v", code, err)
	}

	if code, err := engA.CompleteHandshake(hA, bidirectionalCoS()); err != nil || code != Success {
		t.Fatalf("CompleteHandshake: code=%v err=%v", code, err)
	}

	return &testPeer{engine: engA, handle: hA, channel: chA, recorder: recA},
		&testPeer{engine: engB, handle: hB, channel: chB, recorder: recB}
}

func TestEngine_EchoAckDrainsWindow(t *testing.T) {
	clock := &fakeClock{now: 1000}
	consumer, provider := newPair(t, clock)

	payload := bytes.Repeat([]byte{0xAB}, 100)
	if code, err := consumer.engine.SubmitMsg(consumer.handle, payload, 130); err != nil || code != Success {
		t.Fatalf("SubmitMsg: code=%v err=%v", code, err)
	}
	if _, err := consumer.engine.Dispatch(consumer.handle); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	info, _, err := consumer.engine.GetInfo(consumer.handle)
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if info.LastOutSeq != 1 || info.BytesWaitingAck == 0 {
		t.Fatalf("expected seq 1 in flight, got %+v", info)
	}

	pump(t, consumer, provider)
	if len(provider.recorder.defaultMsgs) != 1 || !bytes.Equal(provider.recorder.defaultMsgs[0], payload) {
		t.Fatalf("expected provider to receive the 100-byte payload, got %d msgs", len(provider.recorder.defaultMsgs))
	}

	if _, err := provider.engine.SendAck(provider.handle); err != nil {
		t.Fatalf("SendAck: %v", err)
	}
	pump(t, provider, consumer)

	info, _, _ = consumer.engine.GetInfo(consumer.handle)
	if info.BytesWaitingAck != 0 {
		t.Fatalf("expected bytes_waiting_ack drained to 0, got %d", info.BytesWaitingAck)
	}
}

func TestEngine_QueueSubstreamEndToEnd(t *testing.T) {
	clock := &fakeClock{now: 1000}
	consumer, provider := newPair(t, clock)

	dir := t.TempDir()
	storeA, err := persist.Open(filepath.Join(dir, "a.bin"), 1024, 16, false)
	if err != nil {
		t.Fatalf("persist.Open: %v", err)
	}
	defer storeA.Close()

	subB, code, err := provider.engine.AcceptQueueSubstream(provider.handle, 5, 10, "server-queue", nil)
	if err != nil || code != Success {
		t.Fatalf("AcceptQueueSubstream: code=%v err=%v", code, err)
	}

	subA, code, err := consumer.engine.OpenQueueSubstream(consumer.handle, 5, 10, "client-queue", storeA)
	if err != nil || code != Success {
		t.Fatalf("OpenQueueSubstream: code=%v err=%v", code, err)
	}
	if _, err := consumer.engine.Dispatch(consumer.handle); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// Request viaja até o provider, que responde com o refresh.
	pump(t, consumer, provider)
	pump(t, provider, consumer)
	if subA.State() != queue.StateOpen {
		t.Fatalf("expected consumer substream open, got %s", subA.State())
	}
	if subB.State() != queue.StateOpen {
		t.Fatalf("expected provider substream open, got %s", subB.State())
	}

	if code, err := consumer.engine.SubmitQueueMsg(consumer.handle, subA, "server-queue", []byte("order-1"), 60_000, 131); err != nil || code != Success {
		t.Fatalf("SubmitQueueMsg: code=%v err=%v", code, err)
	}
	if _, err := consumer.engine.Dispatch(consumer.handle); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if storeA.SlotsInUse() != 1 {
		t.Fatalf("expected message persisted before transmit, got %d slots", storeA.SlotsInUse())
	}

	pump(t, consumer, provider)

	var gotData bool
	for _, ev := range provider.recorder.queueEvents {
		if ev.Kind == queue.EventData && bytes.Equal(ev.Payload, []byte("order-1")) && ev.FromQueue == "client-queue" {
			gotData = true
		}
	}
	if !gotData {
		t.Fatalf("expected provider queue data event, got %+v", provider.recorder.queueEvents)
	}

	// O ack de fila volta e libera a persistência do consumer.
	pump(t, provider, consumer)
	if storeA.SlotsInUse() != 0 {
		t.Fatalf("expected persistence freed after queue ack, got %d slots", storeA.SlotsInUse())
	}
}

func TestEngine_QueueRaiseReroutesToDefaultMsg(t *testing.T) {
	clock := &fakeClock{now: 1000}
	consumer, provider := newPair(t, clock)
	consumer.recorder.queueAction = ActionRaise

	subA, code, err := consumer.engine.OpenQueueSubstream(consumer.handle, 6, 10, "client-queue", nil)
	if err != nil || code != Success {
		t.Fatalf("OpenQueueSubstream: code=%v err=%v", code, err)
	}
	if _, _, err := provider.engine.AcceptQueueSubstream(provider.handle, 6, 10, "server-queue", nil); err != nil {
		t.Fatalf("AcceptQueueSubstream: %v", err)
	}
	if _, err := consumer.engine.Dispatch(consumer.handle); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	pump(t, consumer, provider)
	pump(t, provider, consumer)
	if subA.State() != queue.StateOpen {
		t.Fatalf("expected substream open, got %s", subA.State())
	}

	// Timeout imediato gera um dead letter local; com ActionRaise ele deve
	// reaparecer no callback default como wrapper sintetizado.
	if code, err := consumer.engine.SubmitQueueMsg(consumer.handle, subA, "server-queue", []byte("doomed"), 0, 131); err != nil || code != Success {
		t.Fatalf("SubmitQueueMsg: code=%v err=%v", code, err)
	}
	if _, err := consumer.engine.Dispatch(consumer.handle); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	var sawDeadLetter bool
	for _, ev := range consumer.recorder.queueEvents {
		if ev.Kind == queue.EventDeadLetter && ev.Code == queue.CodeExpired {
			sawDeadLetter = true
		}
	}
	if !sawDeadLetter {
		t.Fatalf("expected a local dead letter, got %+v", consumer.recorder.queueEvents)
	}
	if len(consumer.recorder.defaultMsgs) == 0 {
		t.Fatal("expected the raised event rerouted to the default msg callback")
	}
}

func TestEngine_CloseTunnelRemovesHandle(t *testing.T) {
	clock := &fakeClock{now: 1000}
	consumer, _ := newPair(t, clock)

	if code, err := consumer.engine.CloseTunnel(consumer.handle, true); err != nil || code != Success {
		t.Fatalf("CloseTunnel: code=%v err=%v", code, err)
	}
	if code, _ := consumer.engine.SubmitMsg(consumer.handle, []byte("x"), 130); code != NoTunnelStream {
		t.Fatalf("expected NoTunnelStream after close, got %v", code)
	}
	var closed bool
	for _, s := range consumer.recorder.statuses {
		if s.StreamState == tunnel.StreamStateClosed {
			closed = true
		}
	}
	if !closed {
		t.Fatal("expected a final closed status event")
	}
}
