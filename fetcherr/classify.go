package fetcherr

import (
	"context"
	"errors"
	"net"

	"github.com/floegence/wsfetch/correlate"
	"github.com/gorilla/websocket"
)

// ClassifyFetchCode maps an error from a correlated fetch to a stable Code.
func ClassifyFetchCode(err error) Code {
	switch {
	case errors.Is(err, correlate.ErrTimeout):
		return CodeTimeout
	case errors.Is(err, correlate.ErrTooManyPending):
		return CodeTooManyPending
	case errors.Is(err, correlate.ErrDuplicateID):
		return CodeDuplicateID
	case errors.Is(err, correlate.ErrClosed):
		return CodeNotConnected
	default:
		return classifyContextCode(err, CodeSendFailed)
	}
}

// ClassifyUpstreamCode maps an error from performing an outbound HTTP request to a stable Code.
func ClassifyUpstreamCode(err error) Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CodeTimeout
	}
	var oe *net.OpError
	if errors.As(err, &oe) && oe.Op == "dial" {
		return CodeUpstreamDialFailed
	}
	var de *net.DNSError
	if errors.As(err, &de) {
		return CodeUpstreamDialFailed
	}
	return CodeUpstreamRequestFailed
}

func classifyContextCode(err error, fallback Code) Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	default:
		return fallback
	}
}

// ClassifyCloseCode maps a websocket close error received by a peer to a stable Code.
//
// Normal closure is reported as ("", true); unrelated errors as ("", false).
func ClassifyCloseCode(err error) (Code, bool) {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return "", false
	}
	switch ce.Code {
	case websocket.CloseNormalClosure:
		return "", true
	case websocket.ClosePolicyViolation:
		return CodeTaskFailed, true
	case websocket.CloseTryAgainLater:
		return CodeTooManyConnections, true
	case websocket.CloseMessageTooBig:
		return CodeDecodeFailed, true
	default:
		return "", false
	}
}
