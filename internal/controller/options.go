// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/clrstackwalk/internal/controller"

import "io"

type Option interface {
	applyOption(*Controller) *Controller
}
type controllerOptionFunc func(*Controller) *Controller

func (f controllerOptionFunc) applyOption(c *Controller) *Controller {
	return f(c)
}

// WithOutput sets the writer receiving the walk results.
// This defaults to os.Stdout
func WithOutput(w io.Writer) Option {
	return controllerOptionFunc(func(c *Controller) *Controller {
		c.out = w
		return c
	})
}

// WithTrigger sets a channel triggering additional samples in sample mode.
func WithTrigger(trigger <-chan bool) Option {
	return controllerOptionFunc(func(c *Controller) *Controller {
		c.trigger = trigger
		return c
	})
}
