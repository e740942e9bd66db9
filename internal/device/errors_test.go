// SPDX-License-Identifier: MIT

package device

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyTypedErrorWins(t *testing.T) {
	err := NewDriverError(FailImageNotMatched, "matchImage", "no match above threshold")
	require.Equal(t, FailImageNotMatched, Classify(err))

	wrapped := fmt.Errorf("step 3: %w", err)
	require.Equal(t, FailImageNotMatched, Classify(wrapped))
}

func TestClassifyContextErrors(t *testing.T) {
	require.Equal(t, FailTimeout, Classify(context.DeadlineExceeded))
	require.Equal(t, FailSession, Classify(context.Canceled))
}

func TestClassifySessionSentinels(t *testing.T) {
	require.Equal(t, FailSession, Classify(ErrDeviceUnavailable))
	require.Equal(t, FailConnection, Classify(ErrDriverRefused))
}

func TestClassifyByMessage(t *testing.T) {
	cases := map[string]FailureCategory{
		"NoSuchElementException: could not locate //btn": FailElementNotFound,
		"adb: connection refused":                        FailConnection,
		"network is unreachable":                         FailNetwork,
		"java.lang.SecurityException: permission denied": FailPermissionDenied,
		"wait timed out after 30000ms":                   FailTimeout,
		"com.example.app has crashed":                    FailAppCrash,
		"app is not installed on device":                 FailAppNotRunning,
		"OOM: out of memory":                             FailResourceExhausted,
		"invalid session id":                             FailSession,
		"something completely different":                 FailUnknown,
	}
	for msg, want := range cases {
		require.Equal(t, want, Classify(errors.New(msg)), "message %q", msg)
	}
}

func TestClassifyNil(t *testing.T) {
	require.Equal(t, FailureCategory(""), Classify(nil))
}
