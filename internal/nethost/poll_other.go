//go:build !unix

package nethost

import (
	"time"

	"github.com/boomhut/goja-netloop/internal/errkind"
	"github.com/boomhut/goja-netloop/internal/sockets"
)

// Poll supports clock subscriptions only on this platform; socket
// subscriptions fail with WouldBlock.
func (h *Host) Poll(subs []sockets.Subscription, events []sockets.Event) (int, int32) {
	if len(subs) == 0 || len(events) == 0 {
		return 0, errkind.InvalidInput.Code()
	}
	clock := time.Duration(-1)
	for _, s := range subs {
		if s.Type != sockets.EventClock {
			return 0, errkind.WouldBlock.Code()
		}
		if clock < 0 || s.Timeout < clock {
			clock = max(s.Timeout, 0)
		}
	}
	time.Sleep(clock)
	n := 0
	for _, s := range subs {
		if s.Timeout <= clock && n < len(events) {
			events[n] = sockets.Event{UserData: s.UserData, Type: sockets.EventClock}
			n++
		}
	}
	return n, 0
}
