// Package dbmigrations exposes embedded SQL migrations for tickwire binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into tickwire binaries.
//
//go:embed *.sql
var Files embed.FS
