//go:build libsql

package store

import (
	// Registers the "libsql" driver. It links a prebuilt library through cgo,
	// so it is only compiled in with the libsql build tag.
	_ "github.com/tursodatabase/go-libsql"
)

func init() {
	remoteDriver = "libsql"
}
