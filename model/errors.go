package model

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Errors accumulates failures for one message across every processing stage.
// Both slices only ever grow.
type Errors struct {
	Messages    []string
	StackTraces []string
}

// Len returns the number of recorded failures.
func (e Errors) Len() int {
	return len(e.Messages)
}

// HandleError appends description, plus the error text when err is non-nil, to
// acc and returns the updated accumulator. The record is logged at level.
func HandleError(logger *slog.Logger, acc Errors, err error, description string, level slog.Level) Errors {
	msg := description
	trace := description
	if err != nil {
		msg = fmt.Sprintf("%s: %v", description, err)
		trace = fmt.Sprintf("%s: %+v", description, err)
	}
	trace += "\n" + string(debug.Stack())

	acc.Messages = append(acc.Messages, msg)
	acc.StackTraces = append(acc.StackTraces, trace)

	if logger != nil {
		logger.Log(context.Background(), level, description, "err", err)
	}
	return acc
}

// AddError records a failure on the message.
func (m *Message) AddError(logger *slog.Logger, err error, description string) {
	m.Errors = HandleError(logger, m.Errors, err, description, slog.LevelError)
}
