//go:build purego

package sqlitedriver

import _ "modernc.org/sqlite"

// DriverName is "sqlite", registered by modernc.org/sqlite's pure-Go
// driver, for builds that can't link cgo.
const DriverName = "sqlite"
