//go:build !cgo

package opstate

import _ "modernc.org/sqlite" // pure-Go SQLite driver for cross-compiled builds

const driverName = "sqlite"
