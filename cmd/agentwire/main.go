// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// agentwire runs a tool-using agent conversation against an
// OpenAI-style or Anthropic-style model endpoint.
//
// Prompts come from the command line (one turn) or from stdin, one
// turn per line. Tools are served by an HTTP tool service named in the
// configuration. After every turn the session is checkpointed so a
// later run can continue it with --resume.
//
// Usage:
//
//	agentwire [--config FILE] [--resume ID|latest] [--json] [--verbose] [PROMPT...]
//
// Configuration comes from --config or AGENTWIRE_CONFIG. The API key
// comes from AGENTWIRE_API_KEY or an age-sealed key file.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/agentwire/lib/agentloop"
	"github.com/bureau-foundation/agentwire/lib/config"
	"github.com/bureau-foundation/agentwire/lib/process"
	"github.com/bureau-foundation/agentwire/lib/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		stop()
		process.Fatal(err)
	}
}

type options struct {
	configPath  string
	resume      string
	jsonOutput  bool
	verbose     bool
	showVersion bool
	showHelp    bool
	prompt      string
}

func parseFlags(args []string, stderr io.Writer) (options, *pflag.FlagSet, error) {
	var parsed options
	flagSet := pflag.NewFlagSet("agentwire", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&parsed.configPath, "config", "", "configuration file (default: $"+config.ConfigEnvVar+")")
	flagSet.StringVar(&parsed.resume, "resume", "", `session ID to continue, or "latest"`)
	flagSet.BoolVar(&parsed.jsonOutput, "json", false, "write events to stdout as JSON lines")
	flagSet.BoolVarP(&parsed.verbose, "verbose", "v", false, "log at debug level")
	flagSet.BoolVar(&parsed.showVersion, "version", false, "print version information")
	flagSet.BoolVarP(&parsed.showHelp, "help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			parsed.showHelp = true
			return parsed, flagSet, nil
		}
		return parsed, flagSet, err
	}
	parsed.prompt = strings.TrimSpace(strings.Join(flagSet.Args(), " "))
	return parsed, flagSet, nil
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	parsed, flagSet, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if parsed.showHelp {
		fmt.Fprintf(stderr, "Usage: agentwire [flags] [PROMPT...]\n\nWith no prompt, reads one prompt per line from stdin.\n\nFlags:\n")
		flagSet.PrintDefaults()
		return nil
	}
	if parsed.showVersion {
		version.Print(stdout, "agentwire")
		return nil
	}

	logger := newLogger(stderr, parsed.verbose)

	var loaded *config.Config
	if parsed.configPath != "" {
		loaded, err = config.LoadFile(parsed.configPath)
	} else {
		loaded, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var sink agentloop.EventSink
	if parsed.jsonOutput {
		sink = newJSONRenderer(stdout)
	} else {
		sink = newTerminalRenderer(stdout)
	}

	app, err := newApp(ctx, loaded, sink, logger)
	if err != nil {
		return err
	}

	session, err := app.openSession(parsed.resume)
	if err != nil {
		return err
	}
	logger.Info("session ready", "session", session.ID, "messages", len(session.History))

	if parsed.prompt != "" {
		return app.turn(ctx, session, parsed.prompt)
	}

	interactive := isTerminal(stdin) && !parsed.jsonOutput
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for {
		if interactive {
			fmt.Fprint(stdout, "> ")
		}
		if !scanner.Scan() {
			break
		}
		prompt := strings.TrimSpace(scanner.Text())
		if prompt == "" {
			continue
		}
		// A failed turn is reported through the sink; the session
		// stays usable for the next prompt.
		if err := app.turn(ctx, session, prompt); err != nil {
			logger.Warn("turn failed", "session", session.ID, "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading prompts: %w", err)
	}
	return nil
}
