// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	//nolint:gosec
	_ "net/http/pprof"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/ust-consumer/internal/controller"
	"go.opentelemetry.io/ust-consumer/vc"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	args, err := parseArgs(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return exitSuccess
	}
	if err != nil {
		return parseError("Failure to parse arguments: %v", err)
	}

	if args.Version {
		fmt.Printf("%s\n", vc.Version())
		return exitSuccess
	}

	if args.VerboseMode {
		log.SetLevel(log.DebugLevel)
		// Dump the arguments in debug mode.
		args.Dump()
	}

	// Context to drive the consumer until a signal or STOP arrives.
	mainCtx, mainCancel := signal.NotifyContext(context.Background(),
		unix.SIGINT, unix.SIGTERM)
	defer mainCancel()

	if args.pprofAddr != "" {
		go func() {
			//nolint:gosec
			if err := http.ListenAndServe(args.pprofAddr, nil); err != nil {
				log.Errorf("Serving pprof on %s failed: %s", args.pprofAddr, err)
			}
		}()
	}

	startTime := time.Now()
	log.Infof("Starting UST consumer daemon %s", vc.Summary())

	ctlr := controller.New(&args.Config)
	if err = ctlr.Start(mainCtx); err != nil {
		ctlr.Shutdown()
		var exitErr controller.ErrorWithExitCode
		if errors.As(err, &exitErr) {
			log.Errorf("Invalid configuration: %v", err)
			return exitCode(exitErr.Code())
		}
		return failure("Failed to start consumer: %v", err)
	}

	err = ctlr.Wait()
	ctlr.Shutdown()
	if err != nil {
		return failure("Consumer stopped: %v", err)
	}

	log.Infof("Exiting after %v ...", time.Since(startTime).Truncate(time.Second))
	return exitSuccess
}

func parseError(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitParseError
}

func failure(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}
