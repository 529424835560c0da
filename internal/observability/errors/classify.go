// Package errors derives low-cardinality error classes for metric tags, log fields and
// worker report metadata.
package errors

import (
	"context"
	goerrors "errors"
	"os/exec"
	"reflect"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	apperrors "github.com/target/mmk-orchestrator/internal/errors"
)

// Well-known classes.
const (
	ClassTimeout   = "timeout"
	ClassCancelled = "cancelled"
	ClassExit      = "worker_exit"
	ClassBroker    = "broker"
	ClassUnknown   = "unknown"
)

// Classify returns a normalized class for err. Context errors, worker exits, broker errors and
// application error codes map to fixed classes; anything else is named after the innermost
// concrete type, e.g. errors_errorstring.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case goerrors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case goerrors.Is(err, context.Canceled):
		return ClassCancelled
	}

	var exitErr *exec.ExitError
	if goerrors.As(err, &exitErr) {
		return ClassExit
	}
	var amqpErr *amqp.Error
	if goerrors.As(err, &amqpErr) {
		return ClassBroker
	}
	var appErr *apperrors.AppError
	if goerrors.As(err, &appErr) && appErr.Code != "" {
		return string(appErr.Code)
	}

	return typeName(innermost(err))
}

func innermost(err error) error {
	for {
		next := goerrors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.String() == "" {
		return ClassUnknown
	}
	return strings.ReplaceAll(strings.ToLower(t.String()), ".", "_")
}
