/*
Copyright 2023 Watchpost, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"

	"github.com/watchpost/client-go/lib"
	"github.com/watchpost/client-go/lib/logger"
)

func main() {
	logger.Init()
	app := kingpin.New("watchpost-syncd", "Watchpost background sync daemon.")

	configureCmd := app.Command("configure", "Prints an example .TOML configuration file.")
	interactive := configureCmd.Flag("interactive", "Build the configuration from interactive prompts").
		Short('i').
		Bool()

	app.Command("version", "Prints watchpost-syncd version and exits.")

	startCmd := app.Command("start", "Starts the sync daemon.")
	path := startCmd.Flag("config", "TOML config file path").
		Short('c').
		Default("/etc/watchpost-syncd.toml").
		String()
	debug := startCmd.Flag("debug", "Enable verbose logging to stderr").
		Short('d').
		Bool()

	statusCmd := app.Command("status", "Prints the requests pending in the retry queue.")
	statusPath := statusCmd.Flag("config", "TOML config file path").
		Short('c').
		Default("/etc/watchpost-syncd.toml").
		String()

	selectedCmd, err := app.Parse(os.Args[1:])
	if err != nil {
		lib.Bail(err)
	}

	switch selectedCmd {
	case "configure":
		if *interactive {
			if err := configureInteractive(os.Stdout); err != nil {
				lib.Bail(err)
			}
		} else {
			fmt.Print(exampleConfig)
		}
	case "version":
		lib.PrintVersion(app.Name, Version, Gitref)
	case "start":
		if err := run(*path, *debug); err != nil {
			lib.Bail(err)
		} else {
			logger.Standard().Info("Successfully shut down")
		}
	case "status":
		if err := printStatus(*statusPath, os.Stdout); err != nil {
			lib.Bail(err)
		}
	}
}

func run(configPath string, debug bool) error {
	conf, err := LoadConfig(configPath)
	if err != nil {
		return trace.Wrap(err)
	}

	logConfig := conf.Log
	if debug {
		logConfig.Severity = "debug"
	}
	if err = logger.Setup(logConfig); err != nil {
		return err
	}
	if debug {
		logger.Standard().Debugf("DEBUG logging enabled")
	}

	app, err := NewApp(*conf)
	if err != nil {
		return trace.Wrap(err)
	}

	go lib.ServeSignals(app, 15*time.Second)

	return trace.Wrap(
		app.Run(context.Background()),
	)
}
