// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

// kbroker runs the kernel broker daemon and talks to it.
//
// Usage:
//
//	kbroker serve [--config kbroker.yaml]
//	kbroker create [--name NAME] kernel.jsonc
//	kbroker list
//	kbroker terminate-all
//	kbroker attach PORT
//	kbroker version
package main

import (
	"fmt"
	"os"

	"github.com/kbroker/kbroker/lib/process"
	"github.com/kbroker/kbroker/lib/version"
)

func main() {
	if err := root().execute(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func root() *command {
	return &command{
		name:    "kbroker",
		summary: "kbroker - spawn, supervise and relay interpreter kernels",
		subcommands: []*command{
			serveCommand(),
			createCommand(),
			listCommand(),
			terminateAllCommand(),
			attachCommand(),
			{
				name:    "version",
				summary: "Print build information",
				run: func([]string) error {
					fmt.Println("kbroker", version.Full())
					return nil
				},
			},
		},
	}
}
