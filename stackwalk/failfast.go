// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "go.opentelemetry.io/clrstackwalk/stackwalk"

import (
	"errors"

	log "github.com/sirupsen/logrus"
)

// ErrFailFast wraps the walk error after FailFast returned.
var ErrFailFast = errors.New("stack walk consistency violation")

// FailFast terminates the process. It is called when the stack or the
// runtime data describing it is corrupt and no result of the walk can be
// trusted. Tests replace it to observe the violation; if it returns, the
// walk fails.
var FailFast = func(msg string) {
	log.Fatalf("STACKWALK: fail fast: %s", msg)
}
