// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build arm64

package unwinder // import "go.opentelemetry.io/clrstackwalk/unwinder"

// Native is the strategy of the build target.
var Native Strategy = ARM64{}
