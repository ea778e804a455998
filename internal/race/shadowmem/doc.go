// Package shadowmem implements the shadow state of monitored locations.
//
// Every field or foreign object that is accessed under monitoring is a
// Datum. The Table maps each Datum to a DataClock that records, per thread,
// the frame of its latest read and of its latest write.
//
// # Race check
//
// On a read by thread t the datum's writer clock must be dominated by t's
// clock; on a write both the writer and the reader clocks must be:
//
//	dc := table.GetOrCreate(d)
//	dc.Lock()
//	if tid := vectorclock.CheckDataRace(ctx.Clock(), dc.Writers(), ctx.TID); tid >= 0 {
//	    // write-read race with tid
//	}
//	dc.Record(racelog.Read, ctx.TID, ctx.Frame(), ev)
//	dc.Unlock()
//
// # Compaction
//
// Entries of dead threads would otherwise stay in data clocks forever.
// After a race-free access, DataClock.Compact removes dead-thread entries
// the accessing thread has already observed. Each clock keeps a generation
// watermark so a death is scanned only until it has been compacted.
//
// # Thread Safety
//
// Table is safe for concurrent use. A DataClock is guarded by its own lock,
// which the caller holds for the whole check-and-record sequence.
package shadowmem
