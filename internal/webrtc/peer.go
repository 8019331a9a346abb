// Package webrtc wraps a Pion PeerConnection as one negotiated peer session:
// description bookkeeping, candidate buffering, track plumbing and
// connection-state observation.
package webrtc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"duet/callkit/internal/domain"
)

// Generous ICE timeouts so a brief relay/NAT hiccup does not immediately
// terminate the call.
const (
	iceDisconnectedTimeout = 30 * time.Second
	iceFailedTimeout       = 120 * time.Second
	iceKeepAliveInterval   = 2 * time.Second
)

type trackSender struct {
	sender *pion.RTPSender
	track  pion.TrackLocal
	paused bool
}

// Peer owns one Pion PeerConnection. Implements domain.PeerSession and is
// safe for concurrent use; Pion delivers its callbacks from its own
// goroutines.
type Peer struct {
	pc *pion.PeerConnection

	mu        sync.Mutex
	localSet  bool
	remoteSet bool
	pending   []domain.CandidatePayload
	senders   map[domain.TrackKind]*trackSender
	candFn    func(domain.CandidatePayload)
	connFn    func(domain.ConnState)
	lastState domain.ConnState

	closeOnce sync.Once
}

// NewPeer creates a peer connection carrying the given local tracks. The
// selector must be the one the tracks were acquired with so the MediaEngine
// advertises matching codecs; when selector is nil the default codecs are
// registered. With no tracks the session is receive-only.
func NewPeer(stunServers []string, tracks []mediadevices.Track, selector *mediadevices.CodecSelector) (*Peer, error) {
	me := &pion.MediaEngine{}
	if selector != nil {
		selector.Populate(me)
	} else if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := pion.SettingEngine{}
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepAliveInterval)

	api := pion.NewAPI(
		pion.WithMediaEngine(me),
		pion.WithInterceptorRegistry(ir),
		pion.WithSettingEngine(se),
	)

	var servers []pion.ICEServer
	for _, u := range stunServers {
		servers = append(servers, pion.ICEServer{URLs: []string{u}})
	}

	pc, err := api.NewPeerConnection(pion.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		pc:      pc,
		senders: make(map[domain.TrackKind]*trackSender),
	}

	for _, t := range tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		kind := domain.TrackAudio
		if t.Kind() == pion.RTPCodecTypeVideo {
			kind = domain.TrackVideo
		}
		p.senders[kind] = &trackSender{sender: sender, track: t}
	}
	if len(tracks) == 0 {
		// Recvonly transceivers so the offer/answer still carries valid
		// m-lines with ICE credentials.
		if err := addRecvOnlyTransceivers(pc); err != nil {
			pc.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			log.Debug().Msg("ice gathering complete")
			return
		}
		j := c.ToJSON()
		payload := domain.CandidatePayload{Candidate: j.Candidate}
		if j.SDPMid != nil {
			payload.SDPMid = *j.SDPMid
		}
		if j.SDPMLineIndex != nil {
			payload.SDPMLineIndex = int(*j.SDPMLineIndex)
		}
		p.mu.Lock()
		fn := p.candFn
		p.mu.Unlock()
		if fn != nil {
			fn(payload)
		}
	})

	pc.OnConnectionStateChange(func(st pion.PeerConnectionState) {
		log.Debug().Str("state", st.String()).Msg("peer connection state")
		p.notifyConn(mapConnState(st))
	})
	pc.OnICEConnectionStateChange(func(st pion.ICEConnectionState) {
		log.Debug().Str("state", st.String()).Msg("ice connection state")
		if st == pion.ICEConnectionStateConnected || st == pion.ICEConnectionStateCompleted {
			p.notifyConn(domain.ConnConnected)
		}
	})

	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		log.Info().
			Str("kind", track.Kind().String()).
			Str("codec", track.Codec().MimeType).
			Msg("remote track")
		// A presentation layer would attach a sink here; without one the
		// track is drained so RTCP keeps flowing.
		go drainTrack(track)
	})

	return p, nil
}

// OnLocalCandidate registers the callback for locally discovered candidates.
// Register before creating a description; gathering starts once the local
// description is set.
func (p *Peer) OnLocalCandidate(fn func(domain.CandidatePayload)) {
	p.mu.Lock()
	p.candFn = fn
	p.mu.Unlock()
}

// OnConnectionStateChange registers the connection-state callback.
func (p *Peer) OnConnectionStateChange(fn func(domain.ConnState)) {
	p.mu.Lock()
	p.connFn = fn
	p.mu.Unlock()
}

// CreateOffer generates the local offer and sets it as the local
// description. Valid once per session.
func (p *Peer) CreateOffer() (domain.SDPPayload, error) {
	p.mu.Lock()
	if p.localSet {
		p.mu.Unlock()
		return domain.SDPPayload{}, &domain.NegotiationError{Err: errors.New("local description already set")}
	}
	p.mu.Unlock()

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SDPPayload{}, &domain.NegotiationError{Err: fmt.Errorf("create offer: %w", err)}
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return domain.SDPPayload{}, &domain.NegotiationError{Err: fmt.Errorf("set local description: %w", err)}
	}

	p.mu.Lock()
	p.localSet = true
	p.mu.Unlock()

	return domain.SDPPayload{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer applies the remote offer, generates the answer and sets it as
// the local description. Fails fast when a remote description already exists.
func (p *Peer) CreateAnswer(remoteOffer domain.SDPPayload) (domain.SDPPayload, error) {
	if err := p.SetRemoteDescription(remoteOffer); err != nil {
		return domain.SDPPayload{}, err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDPPayload{}, &domain.NegotiationError{Err: fmt.Errorf("create answer: %w", err)}
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return domain.SDPPayload{}, &domain.NegotiationError{Err: fmt.Errorf("set local description: %w", err)}
	}

	p.mu.Lock()
	p.localSet = true
	p.mu.Unlock()

	return domain.SDPPayload{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// SetRemoteDescription sets the remote description exactly once, then
// applies every buffered remote candidate in arrival order.
func (p *Peer) SetRemoteDescription(desc domain.SDPPayload) error {
	p.mu.Lock()
	if p.remoteSet {
		p.mu.Unlock()
		return &domain.NegotiationError{Err: errors.New("remote description already set")}
	}
	p.mu.Unlock()

	sd := pion.SessionDescription{Type: pion.NewSDPType(desc.Type), SDP: desc.SDP}
	if err := p.pc.SetRemoteDescription(sd); err != nil {
		return &domain.NegotiationError{Err: fmt.Errorf("set remote description: %w", err)}
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		p.applyCandidate(c)
	}
	return nil
}

// AddRemoteCandidate buffers the candidate until a remote description
// exists, then applies it. Malformed candidates are logged and dropped.
func (p *Peer) AddRemoteCandidate(c domain.CandidatePayload) {
	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		n := len(p.pending)
		p.mu.Unlock()
		log.Debug().Int("pending", n).Msg("remote candidate buffered until remote description")
		return
	}
	p.mu.Unlock()
	p.applyCandidate(c)
}

func (p *Peer) applyCandidate(c domain.CandidatePayload) {
	mid := c.SDPMid
	mline := uint16(c.SDPMLineIndex)
	init := pion.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &mline,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		log.Warn().Err(err).Msg("dropping malformed remote candidate")
	}
}

// SetTrackEnabled pauses or resumes transmission of one local track. The
// track itself keeps running so re-enabling is instant; pausing swaps the
// RTP sender's track out instead of stopping capture.
func (p *Peer) SetTrackEnabled(kind domain.TrackKind, enabled bool) {
	p.mu.Lock()
	ts := p.senders[kind]
	if ts == nil || ts.paused == !enabled {
		p.mu.Unlock()
		return
	}
	ts.paused = !enabled
	p.mu.Unlock()

	var err error
	if enabled {
		err = ts.sender.ReplaceTrack(ts.track)
	} else {
		err = ts.sender.ReplaceTrack(nil)
	}
	if err != nil {
		log.Warn().Err(err).Str("kind", string(kind)).Bool("enabled", enabled).
			Msg("toggle track transmission")
		return
	}
	log.Info().Str("kind", string(kind)).Bool("enabled", enabled).Msg("track transmission toggled")
}

// Close releases all network and negotiation resources. Idempotent.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		if err := p.pc.Close(); err != nil {
			log.Debug().Err(err).Msg("close peer connection")
		}
	})
}

// notifyConn forwards a normalized state to the registered callback,
// suppressing consecutive duplicates so the first connected wins.
func (p *Peer) notifyConn(st domain.ConnState) {
	p.mu.Lock()
	if st == p.lastState {
		p.mu.Unlock()
		return
	}
	p.lastState = st
	fn := p.connFn
	p.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func mapConnState(st pion.PeerConnectionState) domain.ConnState {
	switch st {
	case pion.PeerConnectionStateNew:
		return domain.ConnNew
	case pion.PeerConnectionStateConnecting:
		return domain.ConnConnecting
	case pion.PeerConnectionStateConnected:
		return domain.ConnConnected
	case pion.PeerConnectionStateDisconnected:
		return domain.ConnDisconnected
	case pion.PeerConnectionStateFailed:
		return domain.ConnFailed
	default:
		return domain.ConnClosed
	}
}

func addRecvOnlyTransceivers(pc *pion.PeerConnection) error {
	for _, kind := range []pion.RTPCodecType{pion.RTPCodecTypeAudio, pion.RTPCodecTypeVideo} {
		_, err := pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func drainTrack(track *pion.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
