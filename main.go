// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mitchellh/cli"

	"github.com/opal-project/opal/command"
	"github.com/opal-project/opal/version"
)

func main() {
	// create context to handle signals
	ctx, cancel := context.WithCancel(context.Background())

	signalCn := make(chan os.Signal, 1)
	signal.Notify(signalCn, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalCn
		cancel()
	}()

	c := cli.NewCLI("opal", version.GetHumanVersion())
	c.Args = os.Args[1:]
	c.Commands = map[string]cli.CommandFactory{
		"server": func() (cli.Command, error) {
			return &command.ServerCommand{Ctx: ctx}, nil
		},
		"client": func() (cli.Command, error) {
			return &command.ClientCommand{Ctx: ctx}, nil
		},
		"version": func() (cli.Command, error) {
			return &command.VersionCommand{Version: version.GetHumanVersion()}, nil
		},
	}

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %v\n", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}
