package httpapi

import (
	"context"
	"sync"
)

var (
	baseMu         sync.RWMutex
	serverBaseCtx = context.Background()
)

// SetBaseContext sets the process-level context; cancelling it stops every
// in-flight generation.
func SetBaseContext(ctx context.Context) {
	baseMu.Lock()
	defer baseMu.Unlock()
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

func baseContext() context.Context {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return serverBaseCtx
}

// joinContexts returns a context cancelled when either a or b is done.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
