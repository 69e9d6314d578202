package vmm

import (
	"github.com/fossabot/nebulet/kernel/cpu"
	"github.com/fossabot/nebulet/kernel/mm"
)

// maxBatchedFlushes is the number of pages a FlushBatch tracks individually.
// Larger batches fall back to flushing the entire TLB.
const maxBatchedFlushes = 32

var (
	// flushTLBEntryFn and flushTLBFn are used by tests to record TLB
	// invalidations.
	flushTLBEntryFn = cpu.FlushTLBEntry
	flushTLBFn      = cpu.FlushTLB
)

// Flush is returned by every operation that changes the translation of a
// page. The new translation must not be relied upon until Flush has been
// called to invalidate any stale TLB entry for the page.
type Flush struct {
	page    mm.Page
	pending bool
}

// Page returns the page whose translation changed.
func (f *Flush) Page() mm.Page {
	return f.page
}

// Pending returns true if the TLB entry for the page has not been
// invalidated yet.
func (f *Flush) Pending() bool {
	return f.pending
}

// Flush invalidates the TLB entry for the page. Calling Flush more than once
// has no additional effect.
func (f *Flush) Flush() {
	if f.pending {
		flushTLBEntryFn(f.page.Address())
		f.pending = false
	}
}

// Ignore discards the pending invalidation. Callers use it when the page
// was never accessed through its old translation or when they invalidate
// the entire TLB themselves.
func (f *Flush) Ignore() {
	f.pending = false
}

// FlushBatch collects the pending invalidations of a group of operations so
// they can be applied together once the batch completes.
type FlushBatch struct {
	pages    [maxBatchedFlushes]mm.Page
	count    int
	overflow bool
}

// Add takes over the pending invalidation of f. Tokens that are no longer
// pending are ignored.
func (b *FlushBatch) Add(f Flush) {
	if !f.pending {
		return
	}

	if b.count == len(b.pages) {
		b.overflow = true
		return
	}

	b.pages[b.count] = f.page
	b.count++
}

// Len returns the number of pending invalidations tracked by the batch.
func (b *FlushBatch) Len() int {
	return b.count
}

// Flush applies all pending invalidations and resets the batch. If more
// pages were added than the batch can track, the entire TLB is flushed
// instead.
func (b *FlushBatch) Flush() {
	if b.overflow {
		flushTLBFn()
	} else {
		for _, page := range b.pages[:b.count] {
			flushTLBEntryFn(page.Address())
		}
	}

	b.count, b.overflow = 0, false
}
