// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/ust-consumer/internal/controller"

import (
	"go.opentelemetry.io/ust-consumer/consumer"
	"go.opentelemetry.io/ust-consumer/ringbuffer"
)

type Option interface {
	applyOption(*Controller) *Controller
}
type controllerOptionFunc func(*Controller) *Controller

func (f controllerOptionFunc) applyOption(c *Controller) *Controller {
	return f(c)
}

// WithLibrary sets the ring-buffer library channels are mapped with.
// This defaults to [shmring.Library]
func WithLibrary(lib ringbuffer.Library) Option {
	return controllerOptionFunc(func(c *Controller) *Controller {
		c.lib = lib
		return c
	})
}

// WithConsumerOptions passes opts, such as receive hooks, to the consumer.
func WithConsumerOptions(opts ...consumer.Option) Option {
	return controllerOptionFunc(func(c *Controller) *Controller {
		c.consumerOpts = append(c.consumerOpts, opts...)
		return c
	})
}
