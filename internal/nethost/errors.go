package nethost

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/boomhut/goja-netloop/internal/errkind"
)

var errnoKinds = []struct {
	errno syscall.Errno
	kind  errkind.Kind
}{
	{syscall.ECONNREFUSED, errkind.ConnectionRefused},
	{syscall.ECONNRESET, errkind.ConnectionReset},
	{syscall.ECONNABORTED, errkind.ConnectionAborted},
	{syscall.ENOTCONN, errkind.NotConnected},
	{syscall.EADDRINUSE, errkind.AddrInUse},
	{syscall.EADDRNOTAVAIL, errkind.AddrNotAvailable},
	{syscall.EPIPE, errkind.BrokenPipe},
	{syscall.EAGAIN, errkind.WouldBlock},
	{syscall.EINVAL, errkind.InvalidInput},
	{syscall.ETIMEDOUT, errkind.TimedOut},
	{syscall.EINTR, errkind.Interrupted},
	{syscall.ENOENT, errkind.NotFound},
}

// CodeOf converts a Go I/O error into a host error code. A nil error is 0.
func CodeOf(err error) int32 {
	if err == nil {
		return 0
	}
	return KindOf(err).Code()
}

// KindOf classifies a Go I/O error.
func KindOf(err error) errkind.Kind {
	for _, e := range errnoKinds {
		if errors.Is(err, e.errno) {
			return e.kind
		}
	}

	var (
		dnsErr  *net.DNSError
		recErr  tls.RecordHeaderError
		certErr *tls.CertificateVerificationError
		authErr x509.UnknownAuthorityError
	)
	switch {
	case errors.Is(err, net.ErrClosed):
		return errkind.NotConnected
	case errors.Is(err, context.Canceled):
		return errkind.Interrupted
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return errkind.TimedOut
	case errors.Is(err, io.ErrUnexpectedEOF):
		return errkind.UnexpectedEOF
	case errors.Is(err, io.ErrShortWrite):
		return errkind.WriteZero
	case errors.As(err, &dnsErr):
		if dnsErr.IsNotFound {
			return errkind.NotFound
		}
		if dnsErr.IsTimeout {
			return errkind.TimedOut
		}
		return errkind.Other
	case errors.As(err, &recErr), errors.As(err, &certErr), errors.As(err, &authErr):
		return errkind.InvalidData
	default:
		return errkind.Other
	}
}
