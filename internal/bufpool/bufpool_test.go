// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package bufpool

import "testing"

func TestGetAppBuffer_CarvesFromSameSlab(t *testing.T) {
	p := New(1024, 0)
	b1, err := p.GetAppBuffer(100)
	if err != nil {
		t.Fatalf("GetAppBuffer: %v", err)
	}
	b2, err := p.GetAppBuffer(100)
	if err != nil {
		t.Fatalf("GetAppBuffer: %v", err)
	}
	if b1.slab != b2.slab {
		t.Fatalf("expected both buffers carved from the same slab")
	}
	if b2.off != 100 {
		t.Errorf("expected second buffer to start at offset 100, got %d", b2.off)
	}
}

func TestGetBuffer_ExceedsMaxFragmentSize(t *testing.T) {
	p := New(1024, 0)
	if _, err := p.GetAppBuffer(2000); err == nil {
		t.Fatal("expected invalid_argument error for oversize request")
	}
}

func TestGetAppBuffer_RespectsLimit(t *testing.T) {
	p := New(1024, 1)
	if _, err := p.GetAppBuffer(10); err != nil {
		t.Fatalf("first GetAppBuffer: %v", err)
	}
	if _, err := p.GetAppBuffer(10); err == nil {
		t.Fatal("expected buffer_no_buffers once limit reached")
	}
}

func TestRelease_ReturnsSlabToFreeListOnlyWhenEmpty(t *testing.T) {
	p := New(1024, 0)
	b1, _ := p.GetAppBuffer(100)
	b2, _ := p.GetAppBuffer(100)

	p.Release(b1)
	if len(p.freeSlabs) != 0 {
		t.Fatalf("slab should still be in use while b2 is outstanding")
	}
	p.Release(b2)
	if len(p.freeSlabs) != 1 {
		t.Fatalf("expected slab back on free list, got %d free slabs", len(p.freeSlabs))
	}
}

func TestNewSlabAllocatedWhenCurrentFull(t *testing.T) {
	p := New(100, 0)
	b1, err := p.GetAppBuffer(100)
	if err != nil {
		t.Fatalf("GetAppBuffer: %v", err)
	}
	b2, err := p.GetAppBuffer(50)
	if err != nil {
		t.Fatalf("GetAppBuffer: %v", err)
	}
	if b1.slab == b2.slab {
		t.Fatal("expected a fresh slab once the first is full")
	}
}

func TestTrimUnusedLength(t *testing.T) {
	p := New(1024, 0)
	b, err := p.GetAppBuffer(200)
	if err != nil {
		t.Fatalf("GetAppBuffer: %v", err)
	}
	if err := p.TrimUnusedLength(b, 50); err != nil {
		t.Fatalf("TrimUnusedLength: %v", err)
	}
	if b.Len() != 50 {
		t.Errorf("expected trimmed length 50, got %d", b.Len())
	}
	if b.slab.cursor != 50 {
		t.Errorf("expected slab cursor reclaimed to 50, got %d", b.slab.cursor)
	}
	// Now a new buffer should reuse the reclaimed space.
	b2, err := p.GetAppBuffer(900)
	if err != nil {
		t.Fatalf("GetAppBuffer after trim: %v", err)
	}
	if b2.slab != b.slab || b2.off != 50 {
		t.Errorf("expected new buffer to reuse reclaimed space at offset 50, got slab=%p off=%d", b2.slab, b2.off)
	}
}

func TestTrimUnusedLength_RejectsNonMostRecent(t *testing.T) {
	p := New(1024, 0)
	b1, _ := p.GetAppBuffer(100)
	_, _ = p.GetAppBuffer(100)
	if err := p.TrimUnusedLength(b1, 10); err == nil {
		t.Fatal("expected error trimming a non-most-recent buffer")
	}
}
