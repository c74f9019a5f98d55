// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

// Package command holds the CLI commands wiring configuration, signal
// handling and the agents together.
package command

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/opal-project/opal/server"
	"github.com/opal-project/opal/server/config"
	flaghelper "github.com/opal-project/opal/sdk/helper/flag"
	"github.com/opal-project/opal/version"
)

// ServerCommand runs an OPAL server until interrupted. SIGHUP restarts the
// agent with a freshly loaded configuration.
type ServerCommand struct {
	Ctx context.Context

	args []string
}

// Help should return long-form help text that includes the command-line
// usage, a brief few sentences explaining the function of the command,
// and the complete list of flags the command accepts.
func (c *ServerCommand) Help() string {
	helpText := `
Usage: opal server [options]

  Starts an OPAL server and runs until an interrupt is received. The server
  watches the configured policy source, serves the HTTP API and fans policy
  and data updates out to connected clients. SIGHUP reloads the
  configuration.

  The server's configuration primarily comes from the config files used,
  but a subset of the options may also be passed directly as CLI arguments,
  listed below.

Options:

  -config=<path>
    The path to either a single config file or a directory of config files
    to use for configuring the OPAL server. Can be specified multiple
    times; later files override earlier ones field by field.

  -log-level=<level>
    Specify the verbosity level of OPAL's logs. Valid values include DEBUG,
    INFO, and WARN, in decreasing order of verbosity. The default is INFO.

  -log-json
    Output logs in a JSON format. The default is false.

  -enable-debug
    Enable the debugging HTTP endpoints. The default is false.

HTTP Options:

  -http-bind-address=<addr>
    The HTTP address that the API server will bind to. The default is
    127.0.0.1.

  -http-bind-port=<port>
    The port that the API server will bind to. The default is 7002.
`
	return strings.TrimSpace(helpText)
}

// Synopsis should return a one-line, short synopsis of the command.
// This should be less than 50 characters ideally.
func (c *ServerCommand) Synopsis() string {
	return "Runs an OPAL server"
}

// Run should run the actual command with the given CLI instance and
// command-line arguments. It should return the exit status when it is
// finished.
func (c *ServerCommand) Run(args []string) int {
	c.args = args

	for {
		cfg, err := c.readConfig()
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			fmt.Println("Run 'opal server --help' for more information.")
			return 1
		}

		logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
			Name:       "opal",
			Level:      hclog.LevelFromString(cfg.LogLevel),
			JSONFormat: cfg.LogJson,
		})

		logger.Info("starting OPAL server", "version", version.GetHumanVersion(),
			"bind", fmt.Sprintf("%s:%d", cfg.HTTP.BindAddress, cfg.HTTP.BindPort),
			"source", cfg.PolicySource.Kind)

		agent, err := server.NewAgent(logger, cfg)
		if err != nil {
			logger.Error("failed to setup server", "error", err)
			return 1
		}

		reload, code := runUntilSignalled(c.Ctx, logger, agent.Run)
		if !reload {
			return code
		}
		logger.Info("received SIGHUP, reloading configuration")
	}
}

func (c *ServerCommand) readConfig() (*config.Server, error) {
	var configPaths []string
	cmdConfig := &config.Server{HTTP: &config.HTTP{}}

	flags := flagSet("server", c.Help)
	flags.Var((*flaghelper.StringFlag)(&configPaths), "config", "")
	flags.StringVar(&cmdConfig.LogLevel, "log-level", "", "")
	flags.BoolVar(&cmdConfig.LogJson, "log-json", false, "")
	flags.BoolVar(&cmdConfig.EnableDebug, "enable-debug", false, "")
	flags.StringVar(&cmdConfig.HTTP.BindAddress, "http-bind-address", "", "")
	flags.IntVar(&cmdConfig.HTTP.BindPort, "http-bind-port", 0, "")

	if err := flags.Parse(c.args); err != nil {
		return nil, fmt.Errorf("failed to parse CLI args: %v", err)
	}

	cfg, err := config.LoadPaths(configPaths)
	if err != nil {
		return nil, err
	}
	cfg = cfg.Merge(cmdConfig)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}
	return cfg, nil
}

// runUntilSignalled runs the agent until the base context is cancelled or a
// SIGHUP arrives. It reports whether the caller should reload and go again;
// when not reloading, the exit code reflects whether the agent failed.
func runUntilSignalled(ctx context.Context, logger hclog.Logger, run func(context.Context) error) (reload bool, exitCode int) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	errCh := make(chan error, 1)
	go func() { errCh <- run(runCtx) }()

	select {
	case <-hup:
		cancel()
		<-errCh
		return true, 0
	case err := <-errCh:
		if err != nil {
			logger.Error("agent terminated", "error", err)
			return false, 1
		}
		return false, 0
	case <-ctx.Done():
		cancel()
		<-errCh
		return false, 0
	}
}
