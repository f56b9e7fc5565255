package safe

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"mdticker.com/pkg/logger"
)

// Go starts fn on its own goroutine and logs instead of crashing when it
// panics. name identifies the goroutine in the log entry.
func Go(ctx context.Context, name string, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer Recover(ctx, name)
		fn(ctx)
	}()
}

// Recover must be deferred directly.
func Recover(ctx context.Context, name string) {
	r := recover()
	if r == nil {
		return
	}
	stack := string(debug.Stack())
	if logger.Log != nil {
		logger.Error(ctx, "goroutine panic recovered",
			zap.String("goroutine", name),
			zap.Any("panic", r),
			zap.String("stack", stack),
		)
		return
	}
	fmt.Printf("goroutine %s panic: %v\n%s\n", name, r, stack)
}
