package workqueue

import (
	"context"

	"golang.org/x/time/rate"
)

// MultipleWorkers fans processFunc out to n workers sharing one rate limiter.
// Used to run several workers against a single RPC node without overloading
// it. processFunc must be safe for concurrent use.
func MultipleWorkers(processFunc ProcessFunc, n int, limit rate.Limit, burst int) []ProcessFunc {
	rateLimiter := rate.NewLimiter(limit, burst)

	process := make([]ProcessFunc, n)
	for i := 0; i < n; i++ {
		process[i] = func(ctx context.Context, data []byte, info ItemInfo) error {
			err := rateLimiter.Wait(ctx)
			if err != nil {
				return err
			}
			return processFunc(ctx, data, info)
		}
	}
	return process
}
