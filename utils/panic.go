package utils

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
)

// PanicToError recovers a panic into *errp, so a panicking errgroup goroutine
// fails the group instead of the process.
func PanicToError(log *zap.Logger, errp *error) {
	if r := recover(); r != nil {
		log.With(zap.String("stack", string(debug.Stack()))).Error("recovered panic", zap.Any("panic", r))
		*errp = fmt.Errorf("recovered panic: %v", r)
	}
}
