// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/opal-project/opal/client"
	"github.com/opal-project/opal/client/config"
	flaghelper "github.com/opal-project/opal/sdk/helper/flag"
	"github.com/opal-project/opal/version"
)

// ClientCommand runs an OPAL client until interrupted. SIGHUP restarts the
// agent with a freshly loaded configuration.
type ClientCommand struct {
	Ctx context.Context

	args []string
}

// Help should return long-form help text that includes the command-line
// usage, a brief few sentences explaining the function of the command,
// and the complete list of flags the command accepts.
func (c *ClientCommand) Help() string {
	helpText := `
Usage: opal client [options]

  Starts an OPAL client and runs until an interrupt is received. The client
  connects to an OPAL server, subscribes to its configured topics and keeps
  the local policy engine synchronized. SIGHUP reloads the configuration.

Options:

  -config=<path>
    The path to either a single config file or a directory of config files
    to use for configuring the OPAL client. Can be specified multiple
    times; later files override earlier ones field by field.

  -log-level=<level>
    Specify the verbosity level of OPAL's logs. Valid values include DEBUG,
    INFO, and WARN, in decreasing order of verbosity. The default is INFO.

  -log-json
    Output logs in a JSON format. The default is false.

Server Options:

  -server-url=<url>
    The HTTP base URL of the OPAL server. The default is
    http://127.0.0.1:7002.

  -server-token=<token>
    The bearer token presented to the server when it runs with
    authentication enabled.

OPA Options:

  -opa-address=<addr>
    The address of the local OPA REST API. The default is
    http://127.0.0.1:8181.
`
	return strings.TrimSpace(helpText)
}

// Synopsis should return a one-line, short synopsis of the command.
// This should be less than 50 characters ideally.
func (c *ClientCommand) Synopsis() string {
	return "Runs an OPAL client"
}

// Run should run the actual command with the given CLI instance and
// command-line arguments. It should return the exit status when it is
// finished.
func (c *ClientCommand) Run(args []string) int {
	c.args = args

	for {
		cfg, err := c.readConfig()
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			fmt.Println("Run 'opal client --help' for more information.")
			return 1
		}

		logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
			Name:       "opal",
			Level:      hclog.LevelFromString(cfg.LogLevel),
			JSONFormat: cfg.LogJson,
		})

		logger.Info("starting OPAL client", "version", version.GetHumanVersion(),
			"server", cfg.Server.URL, "opa", cfg.OPA.Address, "topics", cfg.Topics())

		agent, err := client.NewAgent(logger, cfg)
		if err != nil {
			logger.Error("failed to setup client", "error", err)
			return 1
		}

		reload, code := runUntilSignalled(c.Ctx, logger, agent.Run)
		if !reload {
			return code
		}
		logger.Info("received SIGHUP, reloading configuration")
	}
}

func (c *ClientCommand) readConfig() (*config.Client, error) {
	var configPaths []string
	cmdConfig := &config.Client{Server: &config.Server{}, OPA: &config.OPA{}}

	flags := flagSet("client", c.Help)
	flags.Var((*flaghelper.StringFlag)(&configPaths), "config", "")
	flags.StringVar(&cmdConfig.LogLevel, "log-level", "", "")
	flags.BoolVar(&cmdConfig.LogJson, "log-json", false, "")
	flags.StringVar(&cmdConfig.Server.URL, "server-url", "", "")
	flags.StringVar(&cmdConfig.Server.Token, "server-token", "", "")
	flags.StringVar(&cmdConfig.OPA.Address, "opa-address", "", "")

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

// flagSet builds a flag set whose usage output is the command help text.
func flagSet(name string, help func() string) *flag.FlagSet {
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	flags.Usage = func() { fmt.Println(help()) }
	return flags
}
