package observability

import "time"

type AcceptResult string

const (
	AcceptResultOK   AcceptResult = "ok"
	AcceptResultFail AcceptResult = "fail"
)

type AcceptReason string

const (
	AcceptReasonOK                 AcceptReason = "ok"
	AcceptReasonInvalidVideoID     AcceptReason = "invalid_video_id"
	AcceptReasonUnauthorized       AcceptReason = "unauthorized"
	AcceptReasonRateLimited        AcceptReason = "rate_limited"
	AcceptReasonTooManyConnections AcceptReason = "too_many_connections"
	AcceptReasonUpgradeError       AcceptReason = "upgrade_error"
)

type SessionResult string

const (
	SessionResultOK         SessionResult = "ok"
	SessionResultTaskError  SessionResult = "task_error"
	SessionResultPeerClosed SessionResult = "peer_closed"
)

type FrameKind string

const (
	FrameKindChunk       FrameKind = "chunk"
	FrameKindBinaryWhole FrameKind = "binary_whole"
	FrameKindText        FrameKind = "text"
)

type DropReason string

const (
	DropReasonMalformedFrame DropReason = "malformed_frame"
	DropReasonUnknownPacket  DropReason = "unknown_packet"
	DropReasonCountMismatch  DropReason = "count_mismatch"
	DropReasonDuplicateChunk DropReason = "duplicate_chunk"
	DropReasonOutOfRange     DropReason = "out_of_range"
	DropReasonInvalidTotal   DropReason = "invalid_total"
	DropReasonTooLarge       DropReason = "too_large"
	DropReasonRestarted      DropReason = "restarted"
	DropReasonEvicted        DropReason = "evicted"
	DropReasonDecodeFailed   DropReason = "decode_failed"
	DropReasonUnmatched      DropReason = "unmatched"
)

type FetchResult string

const (
	FetchResultOK        FetchResult = "ok"
	FetchResultTimeout   FetchResult = "timeout"
	FetchResultCanceled  FetchResult = "canceled"
	FetchResultClosed    FetchResult = "closed"
	FetchResultSendError FetchResult = "send_error"
	FetchResultRejected  FetchResult = "rejected"
)

type PeerResult string

const (
	PeerResultOK    PeerResult = "ok"
	PeerResultError PeerResult = "error"
)

// SessionObserver receives connection-level metric events from the server side.
type SessionObserver interface {
	SessionCount(n int64)
	Accept(result AcceptResult, reason AcceptReason)
	SessionEnd(result SessionResult, d time.Duration)
	Frame(kind FrameKind, bytes int)
	FrameDrop(reason DropReason)
}

// FetchObserver receives per-request metric events.
type FetchObserver interface {
	Fetch(result FetchResult, d time.Duration)
	Pending(n int)
}

// PeerObserver receives metric events from the reference peer.
type PeerObserver interface {
	Request(result PeerResult, d time.Duration)
	ChunkedReply(chunks int)
}

type noopSessionObserver struct{}

func (noopSessionObserver) SessionCount(int64)                      {}
func (noopSessionObserver) Accept(AcceptResult, AcceptReason)       {}
func (noopSessionObserver) SessionEnd(SessionResult, time.Duration) {}
func (noopSessionObserver) Frame(FrameKind, int)                    {}
func (noopSessionObserver) FrameDrop(DropReason)                    {}

type noopFetchObserver struct{}

func (noopFetchObserver) Fetch(FetchResult, time.Duration) {}
func (noopFetchObserver) Pending(int)                      {}

type noopPeerObserver struct{}

func (noopPeerObserver) Request(PeerResult, time.Duration) {}
func (noopPeerObserver) ChunkedReply(int)                  {}

// NoopSessionObserver is a zero-cost observer used when metrics are disabled.
var NoopSessionObserver SessionObserver = noopSessionObserver{}

// NoopFetchObserver is a zero-cost observer used when metrics are disabled.
var NoopFetchObserver FetchObserver = noopFetchObserver{}

// NoopPeerObserver is a zero-cost observer used when metrics are disabled.
var NoopPeerObserver PeerObserver = noopPeerObserver{}
