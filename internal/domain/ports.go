package domain

import "context"

// SignalChannel is the relay transport: fire-and-forget sends addressed to a
// peer, plus a push stream of signals addressed to self. Delivery is
// at-least-once with no ordering guarantee across signal types.
type SignalChannel interface {
	Send(ctx context.Context, sig Signal) error
	// Subscribe returns a channel of inbound signals already filtered to
	// receiver == local identity, and a cancel function. The stream is
	// infinite and non-restartable; it closes when the transport goes away.
	Subscribe() (<-chan Signal, func())
	Close() error
}

// MediaSource acquires the local capture hardware.
type MediaSource interface {
	// Acquire opens the microphone, plus the camera when video is true.
	// Returns a MediaAccessError when hardware or permission is unavailable.
	Acquire(video bool) (MediaHandle, error)
}

// MediaHandle owns one acquired set of live local tracks.
type MediaHandle interface {
	HasVideo() bool
	// Release stops all tracks and returns the hardware to the OS. Idempotent.
	Release()
}

// TrackKind distinguishes the two local media tracks.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// ConnState is the normalized connection state of a peer session.
type ConnState string

const (
	ConnNew          ConnState = "new"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// PeerSession wraps one negotiated connection instance and its
// candidate/description bookkeeping. Implementations are safe for use from
// multiple goroutines.
type PeerSession interface {
	// CreateOffer generates the local description; valid once per outbound
	// call attempt.
	CreateOffer() (SDPPayload, error)
	// CreateAnswer applies the remote offer and generates the local answer.
	// Calling it after the remote description is already set fails fast.
	CreateAnswer(remoteOffer SDPPayload) (SDPPayload, error)
	// SetRemoteDescription sets the remote description exactly once and
	// immediately applies all buffered remote candidates in arrival order.
	SetRemoteDescription(desc SDPPayload) error
	// AddRemoteCandidate buffers the candidate until a remote description
	// exists, then applies it. Malformed candidates are logged and dropped.
	AddRemoteCandidate(c CandidatePayload)
	// OnLocalCandidate registers the callback invoked for each locally
	// discovered network path. Register before creating a description.
	OnLocalCandidate(fn func(CandidatePayload))
	// OnConnectionStateChange registers the connection-state callback.
	OnConnectionStateChange(fn func(ConnState))
	// SetTrackEnabled pauses or resumes transmission of one local track
	// without stopping it, so it can be re-enabled instantly.
	SetTrackEnabled(kind TrackKind, enabled bool)
	// Close releases all network and negotiation resources. Idempotent.
	Close()
}

// PeerFactory creates a peer session carrying the tracks owned by handle.
// The handle is nil-able for receive-only sessions.
type PeerFactory func(handle MediaHandle) (PeerSession, error)

// Events are the lifecycle callbacks surfaced to the presentation layer.
// They are invoked from the orchestrator's event loop, never concurrently.
type Events interface {
	OnIncomingCall(from, roomID string, isVideo bool)
	OnConnected()
	OnEnded(reason EndReason)
	OnDurationTick(seconds int)
}
