//go:build !unix && !windows

package queue

import "os"

// Platforms without advisory locks only serialize writers in this process.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
