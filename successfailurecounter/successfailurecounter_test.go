// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package successfailurecounter

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSuccessFailureCounter(t *testing.T) {
	errWalk := errors.New("walk failed")

	tests := map[string]struct {
		run             func(sfc *SuccessFailureCounter)
		expectedSuccess uint64
		expectedFailure uint64
	}{
		"default success - no report": {
			run:             func(sfc *SuccessFailureCounter) { sfc.DefaultToSuccess() },
			expectedSuccess: 1,
		},
		"default success - report failure": {
			run: func(sfc *SuccessFailureCounter) {
				defer sfc.DefaultToSuccess()
				sfc.ReportFailure()
			},
			expectedFailure: 1,
		},
		"default failure - no report": {
			run:             func(sfc *SuccessFailureCounter) { sfc.DefaultToFailure() },
			expectedFailure: 1,
		},
		"default failure - report success": {
			run: func(sfc *SuccessFailureCounter) {
				defer sfc.DefaultToFailure()
				sfc.ReportSuccess()
			},
			expectedSuccess: 1,
		},
		"report error": {
			run:             func(sfc *SuccessFailureCounter) { sfc.Report(errWalk) },
			expectedFailure: 1,
		},
		"report nil": {
			run:             func(sfc *SuccessFailureCounter) { sfc.Report(nil) },
			expectedSuccess: 1,
		},
		"report twice": {
			run: func(sfc *SuccessFailureCounter) {
				sfc.ReportSuccess()
				sfc.ReportFailure()
				sfc.DefaultToFailure()
			},
			expectedSuccess: 1,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			var success, failure atomic.Uint64
			sfc := New(&success, &failure)
			test.run(&sfc)
			assert.True(t, sfc.Sealed())
			assert.Equal(t, test.expectedSuccess, success.Load())
			assert.Equal(t, test.expectedFailure, failure.Load())
		})
	}
}
