// Package race provides the public API of a race detection runtime for
// programs whose monitored events are produced by an external
// instrumentation layer.
//
// The runtime tracks happens-before with vector clocks: one per thread,
// and a reader clock and a writer clock per monitored datum (a field or a
// foreign object). Synchronization is described by happens-before
// contracts; the standard primitives (mutexes, channels, wait groups,
// once, barriers, thread start and join) are built in.
//
// # Quick Start
//
//	func main() {
//		if err := race.Init(); err != nil {
//			log.Fatal(err)
//		}
//		defer race.Fini()
//
//		main := race.Spawn("main", nil)
//		worker := race.Spawn("worker", main)
//		race.FieldWrite(worker, "Account", "balance", 0, race.Site{Owner: "Account", Member: "deposit"})
//		race.FieldRead(main, "Account", "balance", 0, race.Site{Owner: "Account", Member: "get"})
//		// WARNING: DATA RACE
//	}
//
// # API Overview
//
// The package provides functions for:
//   - Initialization and finalization: [Init], [Fini]
//   - Thread lifecycle: [StartThread], [Spawn], [EndThread], [Join]
//   - Access tracking: [FieldRead], [FieldWrite], [ObjectCall]
//   - Synchronization: [Lookup], [SyncBefore], [SyncAfter]
//   - Instrumentation policy: [Tracker], [TrackFields]
//   - Version information: [GetInfo], [Version]
//
// # Configuration
//
// [Init] reads RACECORE_* environment variables. The most common ones:
//
//	RACECORE_LOG_DRIVER  file, sqlite, pgx or none
//	RACECORE_LOG_PATH    race log file for the file driver
//	RACECORE_LOG_DSN     data source for the sqlite and pgx drivers
//	RACECORE_PRINT       render reports to stderr (default true)
//	RACECORE_SAMPLE_RATE check one access in N (default 1)
//
// # Race Logs
//
// Every race is persisted as an immutable record. The file driver writes
// JSON lines behind a versioned header; cmd/racelog dumps, verifies, serves
// and archives such logs.
package race
