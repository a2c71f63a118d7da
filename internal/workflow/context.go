package workflow

import "context"

// WithEitherDone returns a context cancelled when either parent is done.
func WithEitherDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)

	stopA := context.AfterFunc(a, cancel)
	stopB := context.AfterFunc(b, cancel)

	return ctx, func() {
		stopA()
		stopB()
		cancel()
	}
}
