// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"

	"github.com/peterbourgon/ff/v3"

	"go.opentelemetry.io/ust-consumer/internal/controller"
	"go.opentelemetry.io/ust-consumer/times"
)

const (
	// Default values for CLI flags
	defaultCmdSockPath  = "/var/run/lttng/ustconsumerd64/command"
	defaultMaxOpenFiles = 0

	envVarPrefix = "UST_CONSUMERD"
)

// Help strings for command line arguments
var (
	cmdSockHelp = "Path of the unix socket the session daemon sends commands on."
	errSockHelp = "Path of the session daemon's error socket. " +
		"Error codes are not reported if empty."
	commandPollTimeoutHelp = "How long the command listener waits before checking for shutdown."
	streamPollTimeoutHelp  = "How long the stream poll loop waits before rescanning streams."
	metricsIntervalHelp    = "Set the interval consumer counters are reported at."
	maxOpenFilesHelp       = fmt.Sprintf("Raise the open file limit to this value at startup. "+
		"Default is %d, which keeps the inherited limit.", defaultMaxOpenFiles)
	pprofHelp       = "Listening address (e.g. localhost:6060) to serve pprof information."
	verboseModeHelp = "Enable verbose logging and debugging capabilities."
	versionHelp     = "Show version."
)

type arguments struct {
	controller.Config

	pprofAddr string
}

func parseArgs(argv []string) (*arguments, error) {
	var args arguments

	fs := flag.NewFlagSet("ust-consumerd", flag.ContinueOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.DurationVar(&args.CommandPollTimeout, "command-poll-timeout",
		times.CommandPollTimeout, commandPollTimeoutHelp)

	fs.StringVar(&args.CmdSockPath, "consumerd-cmd-sock", defaultCmdSockPath, cmdSockHelp)
	fs.StringVar(&args.ErrSockPath, "consumerd-err-sock", "", errSockHelp)

	fs.Uint64Var(&args.MaxOpenFiles, "max-open-files", defaultMaxOpenFiles, maxOpenFilesHelp)

	fs.DurationVar(&args.MetricsInterval, "metrics-interval", times.MetricsInterval,
		metricsIntervalHelp)

	fs.StringVar(&args.pprofAddr, "pprof", "", pprofHelp)

	fs.DurationVar(&args.StreamPollTimeout, "stream-poll-timeout", times.StreamPollTimeout,
		streamPollTimeoutHelp)

	fs.BoolVar(&args.VerboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.VerboseMode, "verbose", false, verboseModeHelp)
	fs.BoolVar(&args.Version, "version", false, versionHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	args.Fs = fs

	return &args, ff.Parse(fs, argv,
		ff.WithEnvVarPrefix(envVarPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		// Configuration file options unknown to this version are ignored.
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
}
