package httpapi

import "context"

// serverBaseCtx is cancelled on shutdown so long-running handlers stop too.
var serverBaseCtx = context.Background()

// SetBaseContext sets the process-level context joined into handler work.
// A nil ctx restores Background.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	serverBaseCtx = ctx
}

// withBase returns reqCtx that is additionally cancelled when the server
// base context ends. Call cancel when the handler returns.
func withBase(reqCtx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(reqCtx)
	stop := context.AfterFunc(serverBaseCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
