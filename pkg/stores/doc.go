// Package stores persists the applied entry graph between runs.
//
// Three backends implement engine.StateBackend:
//
//   - FileBackend: a local JSON state document with a sibling lock file
//   - SFTPBackend: the same document on a remote host over SFTP
//   - SQLiteStore: entries, locks, run history and events in SQLite with
//     embedded migrations
//
// SQLiteStore also implements engine.RunRecorder. Open builds a backend
// from a BackendConfig.
package stores
