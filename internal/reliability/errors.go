// Package reliability provides the timeout and retry-with-backoff primitives
// that wrap every worker invocation.
package reliability

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/msageha/stagehand/internal/model"
)

// ErrorKind is the closed classification used for retry decisions. Substring
// matching against policy messages happens once, here, so callers only ever
// branch on the kind.
type ErrorKind int

const (
	KindFatal ErrorKind = iota
	KindTimeout
	KindTransientExit
	KindTransientMessage
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindTransientExit:
		return "transient_exit"
	case KindTransientMessage:
		return "transient_message"
	default:
		return "fatal"
	}
}

// TimeoutError signals that an operation exceeded its deadline. It is always
// classified as retryable.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation exceeded timeout of %s", e.Limit)
}

// WorkerError carries the exit code and message of a failed worker attempt so
// the classifier can match them against the policy.
type WorkerError struct {
	WorkerID string
	ExitCode int
	Message  string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %s failed (exit %d): %s", e.WorkerID, e.ExitCode, e.Message)
}

// Classify maps an error to its ErrorKind under the given policy.
func Classify(policy model.RetryPolicy, err error) ErrorKind {
	if err == nil {
		return KindFatal
	}

	var te *TimeoutError
	if errors.As(err, &te) {
		return KindTimeout
	}

	var we *WorkerError
	if errors.As(err, &we) {
		for _, code := range policy.TransientExitCodes {
			if code == we.ExitCode {
				return KindTransientExit
			}
		}
	}

	text := err.Error()
	for _, sub := range policy.TransientMessages {
		if sub != "" && strings.Contains(text, sub) {
			return KindTransientMessage
		}
	}

	return KindFatal
}

// Retryable reports whether err is safe to retry under policy.
func Retryable(policy model.RetryPolicy, err error) bool {
	return Classify(policy, err) != KindFatal
}
