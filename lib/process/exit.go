// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helper for kbroker binaries.
package process

import (
	"fmt"
	"os"
)

// Fatal prints "error: err" to stderr and exits with status 1. main
// uses it for errors returned before or instead of structured logging.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
