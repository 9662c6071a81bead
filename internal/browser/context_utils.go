package browser

import (
	"context"
)

// CombineContext derives a context from sessionCtx, which carries the CDP
// target, that is also cancelled when opCtx is done. The cancel cause of
// opCtx is preserved so callers can tell a deadline from a cancellation.
func CombineContext(sessionCtx, opCtx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancelCause(sessionCtx)
	stop := context.AfterFunc(opCtx, func() {
		cancel(context.Cause(opCtx))
	})
	return combined, func() {
		stop()
		cancel(context.Canceled)
	}
}
