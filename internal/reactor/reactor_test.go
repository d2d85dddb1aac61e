// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package reactor

import (
	"sync/atomic"
	"testing"
)

type fakeClock struct{ ms int64 }

func (f *fakeClock) NowMillis() int64 { return f.ms }

type countingTarget struct {
	timerCalls    int32
	dispatchCalls int32
}

func (c *countingTarget) ProcessTimer(nowMillis int64) { atomic.AddInt32(&c.timerCalls, 1) }
func (c *countingTarget) Dispatch() error {
	atomic.AddInt32(&c.dispatchCalls, 1)
	return nil
}

func TestTick_FiresDueTimersOnly(t *testing.T) {
	clock := &fakeClock{ms: 1000}
	r := New(clock, nil)
	target := &countingTarget{}

	r.Lock()
	r.ScheduleTimer(1000, target)
	r.ScheduleTimer(5000, target)
	r.Unlock()

	r.tick()
	if target.timerCalls != 1 {
		t.Fatalf("expected exactly one due timer to fire, got %d", target.timerCalls)
	}

	clock.ms = 5000
	r.tick()
	if target.timerCalls != 2 {
		t.Fatalf("expected the later timer to fire once clock advances, got %d", target.timerCalls)
	}
}

func TestTick_DrainsDispatchPendingOnce(t *testing.T) {
	clock := &fakeClock{ms: 0}
	r := New(clock, nil)
	target := &countingTarget{}

	r.Lock()
	r.MarkDispatchPending(target)
	r.MarkDispatchPending(target)
	r.Unlock()

	r.tick()
	if target.dispatchCalls != 1 {
		t.Fatalf("expected a single dispatch despite duplicate marks, got %d", target.dispatchCalls)
	}

	r.tick()
	if target.dispatchCalls != 1 {
		t.Fatalf("expected dispatch-pending set to be drained after tick, got %d", target.dispatchCalls)
	}
}

func TestNextDeadline_OrdersByDeadlineThenSeq(t *testing.T) {
	clock := &fakeClock{ms: 0}
	r := New(clock, nil)
	a := &countingTarget{}
	b := &countingTarget{}

	r.Lock()
	r.ScheduleTimer(200, a)
	r.ScheduleTimer(100, b)
	deadline, ok := r.nextDeadline()
	r.Unlock()

	if !ok || deadline != 100 {
		t.Fatalf("expected earliest deadline 100, got %d (ok=%v)", deadline, ok)
	}
}
