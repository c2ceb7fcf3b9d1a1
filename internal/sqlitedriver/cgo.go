//go:build !purego

package sqlitedriver

import _ "github.com/mattn/go-sqlite3"

// DriverName is "sqlite3", registered by mattn/go-sqlite3's cgo driver.
const DriverName = "sqlite3"
