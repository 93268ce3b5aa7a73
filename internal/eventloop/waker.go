package eventloop

// Waker signals an outer driver that polling again is warranted.
type Waker interface {
	Wake()
}

// WakerFunc adapts a function to Waker.
type WakerFunc func()

func (f WakerFunc) Wake() { f() }

// ChanWaker is a Waker backed by a one-slot channel. Wakes coalesce: any
// number of Wake calls between two receives on C produce one notification,
// and a Wake with no receiver waiting is never lost.
type ChanWaker struct {
	c chan struct{}
}

// NewChanWaker returns a ready to use ChanWaker.
func NewChanWaker() *ChanWaker {
	return &ChanWaker{c: make(chan struct{}, 1)}
}

// Wake never blocks.
func (w *ChanWaker) Wake() {
	select {
	case w.c <- struct{}{}:
	default:
	}
}

// C receives once per batch of wakes.
func (w *ChanWaker) C() <-chan struct{} { return w.c }
