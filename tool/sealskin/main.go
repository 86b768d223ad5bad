/*
 * SealSkin
 * Copyright (C) 2025  LinuxServer.io
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/linuxserver/sealskin"
	"github.com/linuxserver/sealskin/lib/config"
	"github.com/linuxserver/sealskin/lib/service"
)

const appHelp = `SealSkin Session Broker

SealSkin launches GUI applications in containers and brokers encrypted,
shareable browser sessions to them.

All settings are read from SEALSKIN_* environment variables.`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var debug bool
	app := kingpin.New("sealskin", appHelp)
	app.Flag("debug", "Verbose logging to stderr.").Short('d').BoolVar(&debug)
	app.HelpFlag.Short('h')

	startCmd := app.Command("start", "Start the session broker.")
	versionCmd := app.Command("version", "Print the version of this sealskin binary.")

	command, err := app.Parse(args)
	if err != nil {
		app.Usage(args)
		return trace.Wrap(err)
	}

	switch command {
	case startCmd.FullCommand():
		cfg := config.FromEnv()
		if debug {
			cfg.LogLevel = "DEBUG"
		}
		return trace.Wrap(service.Run(ctx, cfg))
	case versionCmd.FullCommand():
		fmt.Printf("SealSkin v%v %v\n", sealskin.Version, goruntime.Version())
		return nil
	}
	// This should only happen when there's a missing switch case above.
	return trace.BadParameter("command %q not configured", command)
}
