package call

import (
	"time"

	"duet/callkit/internal/domain"
)

// session is the single active call attempt. Owned exclusively by the
// orchestrator loop; all fields are read and written from that goroutine
// only.
type session struct {
	roomID   string
	remote   string
	isVideo  bool
	outbound bool

	peer   domain.PeerSession // nil until setup completes
	handle domain.MediaHandle // nil until setup completes

	// pendingOffer holds at most one offer that arrived before the peer
	// session existed; it is drained when setup completes.
	pendingOffer *domain.SDPPayload
	// earlyCandidates buffers remote candidates that arrived before the
	// peer session existed. The peer session itself buffers candidates
	// that precede the remote description.
	earlyCandidates []domain.CandidatePayload

	answered      bool // an answer has been dispatched for this session
	remoteApplied bool // the remote answer has been dispatched (outbound)
	endSent       bool // a call-end has been sent or received for this room

	audioOn bool
	videoOn bool

	startedAt time.Time
	seconds   int
}
