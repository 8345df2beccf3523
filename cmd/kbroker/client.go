// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/kbroker/kbroker/kernel"
	"github.com/kbroker/kbroker/lib/kernelinfo"
	"github.com/kbroker/kbroker/lib/service"
)

// clientTimeout bounds one management call. terminate-all may wait
// for every kernel's escalation.
const clientTimeout = time.Minute

// socketFlags are shared by the commands that talk to the daemon.
type socketFlags struct {
	socket     string
	configPath string
}

func (f *socketFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.socket, "socket", "", "management socket (default from configuration)")
	flagSet.StringVar(&f.configPath, "config", "", "configuration file (default $KBROKER_CONFIG)")
}

func (f *socketFlags) client() (*service.Client, error) {
	if f.socket != "" {
		return service.NewClient(f.socket), nil
	}
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return nil, err
	}
	return service.NewClient(cfg.Service.SocketPath), nil
}

func createCommand() *command {
	var flags socketFlags
	var name string
	return &command{
		name:    "create",
		summary: "Create a kernel from a JSONC definition and print its port",
		usage:   "kbroker create [--name NAME] FILE",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("create", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.StringVar(&name, "name", "", "display name (default \"kernel N\")")
			return flagSet
		},
		run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected one kernel definition file")
			}
			info, err := kernelinfo.ReadFile(args[0])
			if err != nil {
				return err
			}
			client, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
			defer cancel()
			var created kernel.CreateResponse
			request := map[string]any{"info": info, "name": name}
			if err := client.Call(ctx, kernel.ActionCreateKernel, request, &created); err != nil {
				return err
			}
			fmt.Printf("%s %d\n", created.ID, created.Port)
			return nil
		},
	}
}

func listCommand() *command {
	var flags socketFlags
	return &command{
		name:    "list",
		summary: "List the daemon's kernels",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
		},
		run: func([]string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
			defer cancel()
			var summaries []kernel.Summary
			if err := client.Call(ctx, kernel.ActionListKernels, nil, &summaries); err != nil {
				return err
			}
			printSummaries(os.Stdout, summaries)
			return nil
		},
	}
}

func printSummaries(w io.Writer, summaries []kernel.Summary) {
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tPID\tPORT\tRESTARTS")
	for _, summary := range summaries {
		pid := "-"
		if summary.PID != 0 {
			pid = fmt.Sprint(summary.PID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
			summary.ID, summary.Name, summary.State, pid, summary.Port, summary.Restarts)
	}
	tw.Flush()
}

func terminateAllCommand() *command {
	var flags socketFlags
	return &command{
		name:    "terminate-all",
		summary: "Terminate every kernel and drop its broker",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("terminate-all", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
		},
		run: func([]string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
			defer cancel()
			return client.Call(ctx, kernel.ActionTerminateAll, nil, nil)
		},
	}
}
