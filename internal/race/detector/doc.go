// Package detector implements the race check performed on every monitored
// access and the reporting of the races it finds.
//
// # Architecture
//
// The detector consists of three main components:
//
//  1. OnAccess: called on every monitored field or object access
//  2. Data clocks (shadowmem): the last reader and writer frame per thread
//  3. Reporter: a bounded queue and a single worker persisting records
//
// # Race Detection Rules
//
// For an access by thread T to datum D:
//
//  1. Skip if T's guard is held (the access comes from the detector itself)
//  2. Skip if the sampler says so
//  3. A read races with any writer entry of D that T has not observed
//  4. A write additionally races with any unobserved reader entry
//  5. Record T's current frame for the access kind, race or not
//  6. On a race-free access, drop dead-thread entries T has observed
//
// Entries of dead threads that T has already retired count as observed,
// even though T's clock no longer holds them.
//
// # Reporting
//
// A race is assembled under T's hard guard: the current side gets T's clock,
// the datum's clocks and a stack without detector frames; the racing side
// gets the name, site and (with history stacks) stack remembered in the
// data clock. Its clock is never available. Records go through an optional
// dedup set to the Reporter, which never blocks the caller and swallows
// persistence errors after logging them.
//
// # Example Usage
//
//	d, _ := detector.New(detector.Options{Generations: gens, Reporter: rep})
//	ctx := goroutine.New(1, "main", gens)
//	d.OnAccess(ctx, shadowmem.Field("Account", "balance", 0), racelog.Write, site)
package detector
