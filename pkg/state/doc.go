// Package state provides onboard.Storage implementations for persisting
// onboarding progress.
//
// Backends:
//   - MemoryStore keeps values in process and is intended for tests, examples
//     and server sessions that do not outlive the process.
//   - FileStore writes one JSON document per key under a directory, replacing
//     files atomically so a crash never leaves a half-written entry.
//   - SQLStore keeps entries in a single SQLite table through database/sql and
//     the pure-Go modernc.org/sqlite driver.
//
// All backends report a missing key as ok=false with a nil error; the state
// machine treats unreadable or corrupt entries as absent.
package state
