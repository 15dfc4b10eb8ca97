package session

import (
	"context"

	"go.uber.org/zap"

	"reqmux/pkg/transport"
)

// Serve accepts inbound conns on l and runs one responder session per conn
// until ctx is done or the listener fails.
func Serve(ctx context.Context, l transport.Listener, opts Options) error {
	opts = opts.withDefaults()
	for {
		tc, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go func() {
			sess, err := Accept(ctx, tc, opts)
			if err != nil {
				opts.Log.Warn("inbound handshake failed", zap.Error(err))
				return
			}
			opts.Log.Info("session accepted",
				zap.String("remote", tc.RemoteAddr().String()),
				zap.String("content_type", sess.ContentType()))
			select {
			case <-sess.Done():
			case <-ctx.Done():
				_ = sess.Close()
			}
		}()
	}
}
