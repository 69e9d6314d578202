package vmm

import (
	"testing"

	"github.com/fossabot/nebulet/kernel/mm"
	"github.com/google/go-cmp/cmp"
)

func TestFlush(t *testing.T) {
	defer func(origFlushEntry func(uintptr)) { flushTLBEntryFn = origFlushEntry }(flushTLBEntryFn)

	var flushed []uintptr
	flushTLBEntryFn = func(virtAddr uintptr) { flushed = append(flushed, virtAddr) }

	flush := Flush{page: mm.Page(0x42), pending: true}
	if flush.Page() != 0x42 || !flush.Pending() {
		t.Fatalf("unexpected flush state %+v", flush)
	}

	flush.Flush()
	flush.Flush()
	if diff := cmp.Diff([]uintptr{0x42000}, flushed); diff != "" {
		t.Fatalf("unexpected invalidations (-want +got):\n%s", diff)
	}

	ignored := Flush{page: mm.Page(0x43), pending: true}
	ignored.Ignore()
	ignored.Flush()
	if ignored.Pending() || len(flushed) != 1 {
		t.Fatal("expected an ignored flush to never invalidate the TLB")
	}

	var zero Flush
	zero.Flush()
	if len(flushed) != 1 {
		t.Fatal("expected the zero Flush to be a no-op")
	}
}

func TestFlushBatch(t *testing.T) {
	defer func(origFlushEntry func(uintptr), origFlush func()) {
		flushTLBEntryFn, flushTLBFn = origFlushEntry, origFlush
	}(flushTLBEntryFn, flushTLBFn)

	var (
		flushed     []uintptr
		fullFlushes int
	)
	flushTLBEntryFn = func(virtAddr uintptr) { flushed = append(flushed, virtAddr) }
	flushTLBFn = func() { fullFlushes++ }

	specs := []struct {
		pages          int
		expFlushed     int
		expFullFlushes int
	}{
		{0, 0, 0},
		{1, 1, 0},
		{maxBatchedFlushes, maxBatchedFlushes, 0},
		{maxBatchedFlushes + 1, 0, 1},
	}

	for specIndex, spec := range specs {
		flushed, fullFlushes = nil, 0

		var batch FlushBatch
		for i := 0; i < spec.pages; i++ {
			batch.Add(Flush{page: mm.Page(i), pending: true})
		}

		// applied tokens are not tracked
		batch.Add(Flush{page: mm.Page(0x1000)})

		if exp := min(spec.pages, maxBatchedFlushes); batch.Len() != exp {
			t.Errorf("[spec %d] expected batch length %d; got %d", specIndex, exp, batch.Len())
		}

		batch.Flush()
		if len(flushed) != spec.expFlushed || fullFlushes != spec.expFullFlushes {
			t.Errorf("[spec %d] expected %d page and %d full invalidations; got %d and %d", specIndex, spec.expFlushed, spec.expFullFlushes, len(flushed), fullFlushes)
		}

		// the batch is reset after flushing
		batch.Flush()
		if batch.Len() != 0 || len(flushed) != spec.expFlushed || fullFlushes != spec.expFullFlushes {
			t.Errorf("[spec %d] expected Flush to reset the batch", specIndex)
		}
	}
}
