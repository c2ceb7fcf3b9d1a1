// Package sqlitedriver picks the database/sql driver every SQLite-backed
// store (mail cache, attachment metadata, model config, sampler config)
// registers under, so the choice between the cgo driver and the pure-Go
// one lives in exactly one place.
//
// Build with the "purego" tag to link modernc.org/sqlite instead of
// mattn/go-sqlite3, for targets where cgo isn't available.
package sqlitedriver

// DriverName is the database/sql driver name callers should pass to
// sqlx.Connect. It is set by the cgo.go/purego.go build-tagged files.
