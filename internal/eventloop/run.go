package eventloop

import "context"

// Run drives l from the calling goroutine until it is Ready or ctx is done.
// The calling goroutine must be the one that owns e.
func Run(ctx context.Context, l *Loop, e Engine) error {
	w := NewChanWaker()
	for {
		status, err := l.Poll(e, w)
		if status == Ready {
			return err
		}
		select {
		case <-w.C():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
