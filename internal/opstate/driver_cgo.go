//go:build cgo

package opstate

import _ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql

const driverName = "sqlite3"
