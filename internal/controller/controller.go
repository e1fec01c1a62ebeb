// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/ust-consumer/internal/controller"

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/ust-consumer/consumer"
	"go.opentelemetry.io/ust-consumer/metrics"
	"go.opentelemetry.io/ust-consumer/metrics/agentmetrics"
	"go.opentelemetry.io/ust-consumer/periodiccaller"
	"go.opentelemetry.io/ust-consumer/ringbuffer"
	"go.opentelemetry.io/ust-consumer/ringbuffer/shmring"
	"go.opentelemetry.io/ust-consumer/rlimit"
	"go.opentelemetry.io/ust-consumer/sessiondcomm"
	"go.opentelemetry.io/ust-consumer/times"
)

// exitCodeInvalidConfig matches the exit code of a flag parse error.
const exitCodeInvalidConfig = 2

// Controller is an instance that runs, manages and stops the consumer.
type Controller struct {
	config       *Config
	lib          ringbuffer.Library
	consumerOpts []consumer.Option

	intervals   *times.Times
	consumer    *consumer.Consumer
	errSockFd   int
	errReporter *sessiondcomm.ErrorReporter
	listenFd    int

	restoreNofile func()
	stopPeriodic  []func()

	cancel context.CancelFunc
	group  *errgroup.Group
	// startFailed makes Shutdown report a failed exit.
	startFailed bool
}

// New creates a new controller
// There should only ever be one running, as it owns the command socket path.
func New(cfg *Config, opts ...Option) *Controller {
	c := &Controller{
		config:    cfg,
		lib:       shmring.Library{},
		errSockFd: -1,
		listenFd:  -1,
	}
	for _, opt := range opts {
		c = opt.applyOption(c)
	}
	return c
}

// Start starts the controller
// The controller should only be started once.
func (c *Controller) Start(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			c.startFailed = true
			c.teardown()
		}
	}()

	if c.config == nil {
		return errors.New("missing configuration")
	}
	if err := c.config.Validate(); err != nil {
		return NewErrorWithExitCode(err, exitCodeInvalidConfig)
	}
	c.intervals = times.New(c.config.CommandPollTimeout, c.config.StreamPollTimeout,
		c.config.MetricsInterval)

	if c.config.MaxOpenFiles > 0 {
		limit, restore, err := rlimit.RaiseOpenFiles(c.config.MaxOpenFiles)
		if err != nil {
			return fmt.Errorf("failed to raise open file limit: %w", err)
		}
		c.restoreNofile = restore
		log.Debugf("Open file limit is %d", limit)
	}

	if c.config.ErrSockPath != "" {
		fd, err := dialUnix(c.config.ErrSockPath)
		if err != nil {
			return fmt.Errorf("failed to connect to error socket: %w", err)
		}
		c.errSockFd = fd
		c.errReporter = sessiondcomm.NewErrorReporter(fd)
	}

	opts := append([]consumer.Option{
		consumer.WithErrorReporter(c.errReporter),
		consumer.WithPollTimeout(c.intervals.StreamPollTimeout()),
	}, c.consumerOpts...)
	cons, err := consumer.New(c.lib, opts...)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	c.consumer = cons

	c.listenFd, err = listenUnix(c.config.CmdSockPath)
	if err != nil {
		return err
	}
	log.Infof("Consumer %s listening on %s", cons.ID(), c.config.CmdSockPath)
	c.sendError(sessiondcomm.CodeCommandSockReady)

	ctx, c.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	c.group = g

	g.Go(func() error {
		defer c.cancel()
		conn, err := accept(gctx, c.listenFd, c.intervals.CommandPollTimeout())
		if err != nil || conn == nil {
			return err
		}
		defer conn.Close()
		log.Info("Session daemon connected")
		return cons.ServeCommands(conn)
	})
	g.Go(func() error {
		return cons.RunPollLoop(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		cons.Stop()
		return nil
	})

	c.stopPeriodic = append(c.stopPeriodic,
		periodiccaller.Start(gctx, c.intervals.MetricsInterval(), cons.ReportMetrics))
	stopAgent, err := agentmetrics.Start(gctx, c.intervals.SelfMetricsInterval())
	if err != nil {
		return fmt.Errorf("failed to start self metrics: %w", err)
	}
	c.stopPeriodic = append(c.stopPeriodic, stopAgent)
	return nil
}

// Wait blocks until the session daemon sent STOP, the connection was lost or
// ctx passed to Start was cancelled.
func (c *Controller) Wait() error {
	if c.group == nil {
		return nil
	}
	return c.group.Wait()
}

// Shutdown stops the controller
func (c *Controller) Shutdown() {
	log.Info("Stop processing ...")
	clean := c.teardown() && !c.startFailed

	if clean {
		c.sendError(sessiondcomm.CodeExitSuccess)
	} else {
		c.sendError(sessiondcomm.CodeExitFailure)
	}
	if c.errSockFd >= 0 {
		_ = unix.Close(c.errSockFd)
		c.errSockFd = -1
		c.errReporter = nil
	}
	if c.restoreNofile != nil {
		c.restoreNofile()
		c.restoreNofile = nil
	}
}

// teardown stops the consumer goroutines and releases the consumer and the
// command socket. It reports whether everything stopped cleanly and can be
// called more than once.
func (c *Controller) teardown() bool {
	if c.cancel != nil {
		c.cancel()
	}

	clean := true
	if c.consumer != nil {
		c.consumer.Stop()
		if c.group != nil {
			clean = c.waitGroup()
		}
	}
	for _, stop := range c.stopPeriodic {
		stop()
	}
	c.stopPeriodic = nil

	if c.consumer != nil {
		// Goroutines that outlived the grace period may still use it.
		if clean {
			if err := c.consumer.Close(); err != nil {
				log.Errorf("Failed to tear down consumer: %v", err)
				clean = false
			}
		}
		c.consumer = nil
	}
	metrics.Flush()

	if c.listenFd >= 0 {
		_ = unix.Close(c.listenFd)
		c.listenFd = -1
		if err := unix.Unlink(c.config.CmdSockPath); err != nil && !errors.Is(err, unix.ENOENT) {
			log.Warnf("Failed to remove %s: %v", c.config.CmdSockPath, err)
		}
	}
	return clean
}

// waitGroup waits for the consumer goroutines for at most the shutdown
// grace period and reports whether they all returned without error.
func (c *Controller) waitGroup() bool {
	done := make(chan error, 1)
	go func() { done <- c.group.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			log.Errorf("Consumer stopped with error: %v", err)
			return false
		}
		return true
	case <-time.After(c.intervals.ShutdownGrace()):
		log.Warnf("Consumer did not stop within %v, skipping teardown",
			c.intervals.ShutdownGrace())
		return false
	}
}

func (c *Controller) sendError(code sessiondcomm.ErrorCode) {
	if err := c.errReporter.Send(code); err != nil {
		log.Warnf("Failed to report %s: %v", code, err)
	}
}
