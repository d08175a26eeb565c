package service

import (
	"context"
	"errors"
	"net"

	"site-gateway-go/internal/decode"
)

// ErrUnknownRoute is returned for requests that belong to neither proxy route.
var ErrUnknownRoute = errors.New("unknown proxy route")

// FailureKind classifies why a proxied request could not be answered.
type FailureKind string

const (
	KindConnection FailureKind = "connection"
	KindTimeout    FailureKind = "timeout"
	KindCanceled   FailureKind = "canceled"
	KindDecode     FailureKind = "decode"
)

// UpstreamError is a terminal, request-local failure. It is never retried.
type UpstreamError struct {
	Kind FailureKind
	Err  error
}

func (e *UpstreamError) Error() string { return e.Err.Error() }

func (e *UpstreamError) Unwrap() error { return e.Err }

func asDecodeError(err error) *decode.Error {
	var de *decode.Error
	if errors.As(err, &de) {
		return de
	}
	return nil
}

func classify(err error) FailureKind {
	if asDecodeError(err) != nil {
		return KindDecode
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindConnection
}
