// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/ust-consumer/internal/controller"

import (
	"errors"
	"flag"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	minInterval = 10 * time.Millisecond
	maxInterval = time.Hour
)

type Config struct {
	// CmdSockPath is the unix socket the session daemon connects to.
	CmdSockPath string
	// ErrSockPath is the session daemon's error socket. Empty disables
	// error code reporting.
	ErrSockPath string

	CommandPollTimeout time.Duration
	StreamPollTimeout  time.Duration
	MetricsInterval    time.Duration

	MaxOpenFiles uint64
	VerboseMode  bool
	Version      bool

	Fs *flag.FlagSet
}

// Dump visits all flag sets, and dumps them all to debug
// Used for verbose mode logging.
func (cfg *Config) Dump() {
	log.Debug("Config:")
	cfg.Fs.VisitAll(func(f *flag.Flag) {
		log.Debug(fmt.Sprintf("%s: %v", f.Name, f.Value))
	})
}

// Validate runs validations on the provided configuration, and returns errors
// if invalid values were provided.
func (cfg *Config) Validate() error {
	if cfg.CmdSockPath == "" {
		return errors.New("the command socket path is required")
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"command-poll-timeout", cfg.CommandPollTimeout},
		{"stream-poll-timeout", cfg.StreamPollTimeout},
		{"metrics-interval", cfg.MetricsInterval},
	} {
		if d.value < minInterval || d.value > maxInterval {
			return fmt.Errorf("invalid argument for %s: %v is not within [%v, %v]",
				d.name, d.value, minInterval, maxInterval)
		}
	}
	return nil
}
