// Command gossipd runs one gossipmesh process instance: it loads a
// settings file, starts the mesh controller and the local API listener,
// and blocks until an interrupt/terminate signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/litnet/gossipmesh/internal/daemon"
	"github.com/litnet/gossipmesh/pkg/config"
	"github.com/litnet/gossipmesh/pkg/telemetry"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("gossipd", flag.ContinueOnError)
	settingsPath := fs.String("settings", "settings.json", "path to the settings file")
	verbose := fs.Bool("verbose", false, "enable debug-level logging (frame hex dumps on rejection)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	logFile := fs.String("log-file", "", "write logs to this file instead of stderr")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var out io.Writer = os.Stderr
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gossipd: open log file: %v\n", err)
			return 1
		}
		defer f.Close()
		out = f
	}
	if *verbose {
		*logLevel = "debug"
	}
	telemetry.ConfigureLogging(*logLevel, out)
	telemetry.SetVerbose(*verbose)

	settings, err := config.Load(*settingsPath)
	if err != nil {
		log.Printf("gossipd: %v", err)
		return 1
	}

	d, err := daemon.New(settings)
	if err != nil {
		log.Printf("gossipd: %v", err)
		return 1
	}

	if err := d.Run(context.Background()); err != nil {
		log.Printf("gossipd: %v", err)
		return 1
	}
	return 0
}
