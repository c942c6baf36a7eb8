// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !amd64 && !arm64

package unwinder // import "go.opentelemetry.io/clrstackwalk/unwinder"

// Native falls back to the x86-64 frame model on other targets.
var Native Strategy = AMD64{}
