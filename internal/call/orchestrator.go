// Package call implements the single-active-call orchestrator: a state
// machine that drives peer session creation, exchanges signals through the
// relay, arbitrates races and emits lifecycle events.
//
// All orchestrator state is owned by one event loop goroutine. User
// commands, inbound signals, asynchronous setup completions and timer ticks
// are serialized onto that loop, so no locking is needed on call state.
// Asynchronous completions carry the roomId they were started for and are
// discarded when the active session has changed in the meantime.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"duet/callkit/internal/domain"
)

const (
	defaultSetupTimeout = 45 * time.Second
	sendTimeout         = 5 * time.Second
	seenSignalLimit     = 512
)

// Config wires the orchestrator's collaborators.
type Config struct {
	Identity     string
	PeerIdentity string
	Channel      domain.SignalChannel
	Media        domain.MediaSource
	NewPeer      domain.PeerFactory
	Events       domain.Events
	// SetupTimeout bounds Dialing/Ringing/Connecting; exceeded attempts end
	// with reason no-answer. Defaults to 45s.
	SetupTimeout time.Duration
}

// command kinds posted by the presentation layer.
type cmdKind int

const (
	cmdDial cmdKind = iota
	cmdAccept
	cmdReject
	cmdHangup
	cmdToggleAudio
	cmdToggleVideo
)

type command struct {
	kind    cmdKind
	isVideo bool
}

// setupResult is the completion of the asynchronous media+peer setup.
type setupResult struct {
	roomID string
	handle domain.MediaHandle
	peer   domain.PeerSession
	offer  *domain.SDPPayload // outbound attempts only
	err    error
}

func (r setupResult) release() {
	if r.peer != nil {
		r.peer.Close()
	}
	if r.handle != nil {
		r.handle.Release()
	}
}

// answerResult is the completion of applying a remote offer and generating
// the local answer.
type answerResult struct {
	roomID string
	answer domain.SDPPayload
	err    error
}

// remoteApplied is the completion of applying the remote answer.
type remoteApplied struct {
	roomID string
	err    error
}

// connEvent is a connection-state notification from the peer session.
type connEvent struct {
	roomID string
	state  domain.ConnState
}

// Orchestrator drives the lifecycle of at most one active call.
type Orchestrator struct {
	self         string
	peerIdentity string
	channel      domain.SignalChannel
	media        domain.MediaSource
	newPeer      domain.PeerFactory
	events       domain.Events
	setupTimeout time.Duration

	cmds  chan command
	async chan any

	done      chan struct{}
	closeOnce sync.Once

	stateVal atomic.Int32
	audioOn  atomic.Bool
	videoOn  atomic.Bool

	// loop-owned state
	state    domain.CallState
	sess     *session
	seen     *seenSet
	tick     *time.Ticker
	deadline *time.Timer
}

// New validates the configuration and starts the orchestrator loop.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Identity == "":
		return nil, errors.New("call: identity is required")
	case cfg.PeerIdentity == "" || cfg.PeerIdentity == cfg.Identity:
		return nil, errors.New("call: a distinct peer identity is required")
	case cfg.Channel == nil || cfg.Media == nil || cfg.NewPeer == nil || cfg.Events == nil:
		return nil, errors.New("call: channel, media, peer factory and events are all required")
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = defaultSetupTimeout
	}

	o := &Orchestrator{
		self:         cfg.Identity,
		peerIdentity: cfg.PeerIdentity,
		channel:      cfg.Channel,
		media:        cfg.Media,
		newPeer:      cfg.NewPeer,
		events:       cfg.Events,
		setupTimeout: cfg.SetupTimeout,
		cmds:         make(chan command, 8),
		async:        make(chan any, 8),
		done:         make(chan struct{}),
		seen:         newSeenSet(seenSignalLimit),
	}
	go o.run()
	return o, nil
}

// Dial starts an outbound call to the configured peer.
func (o *Orchestrator) Dial(isVideo bool) { o.post(command{kind: cmdDial, isVideo: isVideo}) }

// Accept answers the currently ringing inbound call.
func (o *Orchestrator) Accept() { o.post(command{kind: cmdAccept}) }

// Reject declines the currently ringing inbound call.
func (o *Orchestrator) Reject() { o.post(command{kind: cmdReject}) }

// Hangup ends the active call from any state.
func (o *Orchestrator) Hangup() { o.post(command{kind: cmdHangup}) }

// ToggleAudio mutes or unmutes the microphone without releasing it.
func (o *Orchestrator) ToggleAudio() { o.post(command{kind: cmdToggleAudio}) }

// ToggleVideo disables or enables the camera without releasing it.
func (o *Orchestrator) ToggleVideo() { o.post(command{kind: cmdToggleVideo}) }

// State reports the current call state.
func (o *Orchestrator) State() domain.CallState {
	return domain.CallState(o.stateVal.Load())
}

// AudioEnabled reports whether microphone transmission is on.
func (o *Orchestrator) AudioEnabled() bool { return o.audioOn.Load() }

// VideoEnabled reports whether camera transmission is on.
func (o *Orchestrator) VideoEnabled() bool { return o.videoOn.Load() }

// Close stops the loop, hanging up any active call first. Idempotent.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() { close(o.done) })
}

func (o *Orchestrator) post(c command) {
	select {
	case o.cmds <- c:
	case <-o.done:
	}
}

func (o *Orchestrator) postAsync(ev any) {
	select {
	case o.async <- ev:
	case <-o.done:
		// The loop is gone; resources acquired by in-flight setup must
		// still be released.
		if res, ok := ev.(setupResult); ok {
			res.release()
		}
	}
}

func (o *Orchestrator) run() {
	inbox, cancel := o.channel.Subscribe()
	defer cancel()

	for {
		var tickC, deadC <-chan time.Time
		if o.tick != nil {
			tickC = o.tick.C
		}
		if o.deadline != nil {
			deadC = o.deadline.C
		}

		select {
		case <-o.done:
			o.teardown(domain.EndLocalHangup)
			return
		case c := <-o.cmds:
			o.handleCommand(c)
		case sig, ok := <-inbox:
			if !ok {
				log.Warn().Msg("signal channel closed, no further inbound signals")
				inbox = nil
				continue
			}
			o.handleSignal(sig)
		case ev := <-o.async:
			o.handleAsync(ev)
		case <-tickC:
			o.handleTick()
		case <-deadC:
			o.handleDeadline()
		}
	}
}

func (o *Orchestrator) setState(s domain.CallState) {
	if o.state != s {
		log.Info().Stringer("from", o.state).Stringer("to", s).Msg("call state")
	}
	o.state = s
	o.stateVal.Store(int32(s))
}

func (o *Orchestrator) handleCommand(c command) {
	switch c.kind {
	case cmdDial:
		o.dial(c.isVideo)
	case cmdAccept:
		o.accept()
	case cmdReject:
		o.reject()
	case cmdHangup:
		if o.sess == nil {
			return
		}
		o.teardown(domain.EndLocalHangup)
	case cmdToggleAudio:
		o.toggleTrack(domain.TrackAudio)
	case cmdToggleVideo:
		o.toggleTrack(domain.TrackVideo)
	}
}

func (o *Orchestrator) dial(isVideo bool) {
	if o.state != domain.StateIdle {
		log.Warn().Stringer("state", o.state).Msg("dial ignored, call already in progress")
		return
	}
	roomID := domain.NewRoomID(o.self, o.peerIdentity)
	o.sess = &session{
		roomID:   roomID,
		remote:   o.peerIdentity,
		isVideo:  isVideo,
		outbound: true,
		audioOn:  true,
		videoOn:  isVideo,
	}
	o.syncToggles()
	o.setState(domain.StateDialing)
	o.sendSignal(o.sess, domain.SignalCallStart, domain.CallStartPayload{IsVideo: isVideo})
	o.armDeadline()
	go o.setup(roomID, o.peerIdentity, isVideo, true)
}

func (o *Orchestrator) accept() {
	if o.state != domain.StateRinging || o.sess == nil {
		log.Warn().Stringer("state", o.state).Msg("accept ignored, no ringing call")
		return
	}
	o.setState(domain.StateConnecting)
	go o.setup(o.sess.roomID, o.sess.remote, o.sess.isVideo, false)
}

func (o *Orchestrator) reject() {
	if o.state != domain.StateRinging || o.sess == nil {
		log.Warn().Stringer("state", o.state).Msg("reject ignored, no ringing call")
		return
	}
	o.sendSignal(o.sess, domain.SignalCallEnd, domain.CallEndPayload{Reason: domain.CallEndRejected})
	o.sess.endSent = true
	o.teardown(domain.EndRejected)
}

func (o *Orchestrator) toggleTrack(kind domain.TrackKind) {
	if o.sess == nil {
		return
	}
	var on bool
	switch kind {
	case domain.TrackAudio:
		o.sess.audioOn = !o.sess.audioOn
		on = o.sess.audioOn
	case domain.TrackVideo:
		o.sess.videoOn = !o.sess.videoOn
		on = o.sess.videoOn
	}
	o.syncToggles()
	if o.sess.peer != nil {
		o.sess.peer.SetTrackEnabled(kind, on)
	}
}

func (o *Orchestrator) syncToggles() {
	if o.sess == nil {
		o.audioOn.Store(false)
		o.videoOn.Store(false)
		return
	}
	o.audioOn.Store(o.sess.audioOn)
	o.videoOn.Store(o.sess.videoOn)
}

// setup runs off-loop: it acquires media, builds the peer session, wires its
// callbacks and (outbound) creates the offer, then posts the result back.
func (o *Orchestrator) setup(roomID, remote string, video, outbound bool) {
	handle, err := o.media.Acquire(video)
	if err != nil {
		o.postAsync(setupResult{roomID: roomID, err: err})
		return
	}

	peer, err := o.newPeer(handle)
	if err != nil {
		handle.Release()
		o.postAsync(setupResult{roomID: roomID, err: fmt.Errorf("create peer session: %w", err)})
		return
	}

	// Callbacks are registered before any description exists so no local
	// candidate or state transition can be missed. Candidate sends do not
	// touch orchestrator state, so they go straight to the channel; the
	// roomId tag lets a stale receiver discard them.
	peer.OnLocalCandidate(func(c domain.CandidatePayload) {
		sig, err := domain.NewSignal(roomID, o.self, remote, domain.SignalCandidate, c)
		if err != nil {
			log.Error().Err(err).Msg("build ice-candidate signal")
			return
		}
		o.send(sig)
	})
	peer.OnConnectionStateChange(func(st domain.ConnState) {
		o.postAsync(connEvent{roomID: roomID, state: st})
	})

	res := setupResult{roomID: roomID, handle: handle, peer: peer}
	if outbound {
		offer, err := peer.CreateOffer()
		if err != nil {
			peer.Close()
			handle.Release()
			o.postAsync(setupResult{roomID: roomID, err: err})
			return
		}
		res.offer = &offer
	}
	o.postAsync(res)
}

func (o *Orchestrator) handleAsync(ev any) {
	switch ev := ev.(type) {
	case setupResult:
		o.handleSetup(ev)
	case answerResult:
		o.handleAnswerResult(ev)
	case remoteApplied:
		if !o.activeRoom(ev.roomID) {
			return
		}
		if ev.err != nil {
			log.Error().Err(ev.err).Msg("apply remote answer failed")
			o.teardown(domain.EndConnectionFailed)
		}
	case connEvent:
		o.handleConnEvent(ev)
	}
}

func (o *Orchestrator) activeRoom(roomID string) bool {
	return o.sess != nil && o.sess.roomID == roomID
}

func (o *Orchestrator) handleSetup(res setupResult) {
	if !o.activeRoom(res.roomID) {
		// The user rejected, hung up, or the remote ended the call while
		// setup was in flight; release what was just acquired.
		log.Debug().Str("room", res.roomID).Msg("discarding setup result for stale session")
		res.release()
		return
	}
	if res.err != nil {
		log.Error().Err(res.err).Msg("call setup failed")
		reason := domain.EndConnectionFailed
		var mediaErr *domain.MediaAccessError
		if errors.As(res.err, &mediaErr) {
			reason = domain.EndMediaFailed
		}
		o.teardown(reason)
		return
	}

	sess := o.sess
	sess.handle = res.handle
	sess.peer = res.peer

	if res.offer != nil {
		o.sendSignal(sess, domain.SignalOffer, res.offer)
	}

	// Drain candidates that raced ahead of peer creation, then the one
	// buffered offer, if any.
	for _, c := range sess.earlyCandidates {
		sess.peer.AddRemoteCandidate(c)
	}
	sess.earlyCandidates = nil

	if sess.pendingOffer != nil {
		offer := *sess.pendingOffer
		sess.pendingOffer = nil
		o.startAnswer(offer)
	}
}

// startAnswer dispatches applying the remote offer and answering, at most
// once per session.
func (o *Orchestrator) startAnswer(offer domain.SDPPayload) {
	sess := o.sess
	if sess.answered {
		return
	}
	sess.answered = true
	roomID := sess.roomID
	peer := sess.peer
	go func() {
		answer, err := peer.CreateAnswer(offer)
		o.postAsync(answerResult{roomID: roomID, answer: answer, err: err})
	}()
}

func (o *Orchestrator) handleAnswerResult(res answerResult) {
	if !o.activeRoom(res.roomID) {
		return
	}
	if res.err != nil {
		// The initial offer could not be applied; the session cannot
		// proceed.
		log.Error().Err(res.err).Msg("answer remote offer failed")
		o.teardown(domain.EndConnectionFailed)
		return
	}
	o.sendSignal(o.sess, domain.SignalAnswer, res.answer)
}

func (o *Orchestrator) handleConnEvent(ev connEvent) {
	if !o.activeRoom(ev.roomID) {
		return
	}
	switch ev.state {
	case domain.ConnConnected:
		// First occurrence wins; duplicates are idempotent.
		if o.state == domain.StateConnected {
			return
		}
		if o.state != domain.StateDialing && o.state != domain.StateConnecting {
			return
		}
		o.setState(domain.StateConnected)
		o.stopDeadline()
		o.sess.startedAt = time.Now()
		o.sess.seconds = 0
		o.tick = time.NewTicker(time.Second)
		o.events.OnConnected()
		o.events.OnDurationTick(0)
	case domain.ConnDisconnected, domain.ConnFailed:
		log.Warn().Str("state", string(ev.state)).Msg("peer connection lost")
		o.teardown(domain.EndConnectionFailed)
	}
}

func (o *Orchestrator) handleSignal(sig domain.Signal) {
	if sig.Receiver != o.self {
		return
	}
	if sig.ID != "" && o.seen.observe(sig.ID) {
		log.Debug().Str("id", sig.ID).Msg("duplicate signal delivery dropped")
		return
	}

	if sig.Type == domain.SignalCallStart {
		o.handleCallStart(sig)
		return
	}

	// Everything except call-start is scoped to the active room; foreign or
	// stale signals are ignored, never queued.
	if !o.activeRoom(sig.RoomID) {
		log.Debug().
			Str("type", string(sig.Type)).
			Str("room", sig.RoomID).
			Msg("signal for inactive room ignored")
		return
	}

	switch sig.Type {
	case domain.SignalOffer:
		o.handleOffer(sig)
	case domain.SignalAnswer:
		o.handleAnswer(sig)
	case domain.SignalCandidate:
		o.handleCandidate(sig)
	case domain.SignalCallEnd:
		o.handleCallEnd(sig)
	default:
		log.Warn().Str("type", string(sig.Type)).Msg("unknown signal type ignored")
	}
}

func (o *Orchestrator) handleCallStart(sig domain.Signal) {
	payload, err := sig.CallStart()
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed call-start")
		return
	}

	// Glare: both sides dialed each other. The lexicographically lower
	// identity keeps its outbound attempt; the higher one yields and rings.
	if o.state == domain.StateDialing && o.sess != nil && sig.Sender == o.sess.remote {
		if o.self < sig.Sender {
			log.Info().Msg("glare: keeping local dial, ignoring peer call-start")
			return
		}
		log.Info().Msg("glare: yielding local dial to peer call-start")
		o.teardown(domain.EndSuperseded)
	}

	if o.state != domain.StateIdle {
		log.Debug().Str("from", sig.Sender).Msg("call-start ignored while busy")
		return
	}

	o.sess = &session{
		roomID:  sig.RoomID,
		remote:  sig.Sender,
		isVideo: payload.IsVideo,
		audioOn: true,
		videoOn: payload.IsVideo,
	}
	o.syncToggles()
	o.setState(domain.StateRinging)
	o.armDeadline()
	o.events.OnIncomingCall(sig.Sender, sig.RoomID, payload.IsVideo)
}

func (o *Orchestrator) handleOffer(sig domain.Signal) {
	sess := o.sess
	if sess.outbound {
		log.Debug().Msg("offer on outbound attempt ignored")
		return
	}
	if sess.answered {
		log.Debug().Msg("duplicate offer ignored")
		return
	}
	desc, err := sig.SessionDescription()
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed offer")
		return
	}
	if sess.peer == nil {
		// Media acquisition may still be in flight; hold exactly one offer
		// until the peer session exists.
		if sess.pendingOffer == nil {
			sess.pendingOffer = &desc
			log.Debug().Msg("offer buffered until peer session is ready")
		}
		return
	}
	o.startAnswer(desc)
}

func (o *Orchestrator) handleAnswer(sig domain.Signal) {
	sess := o.sess
	if !sess.outbound {
		log.Debug().Msg("answer on inbound attempt ignored")
		return
	}
	if sess.peer == nil {
		// Cannot happen in sequence: the offer is only sent once the peer
		// exists. Treat defensively as a stray.
		log.Warn().Msg("answer before peer session exists ignored")
		return
	}
	if sess.remoteApplied {
		log.Debug().Msg("duplicate answer ignored")
		return
	}
	desc, err := sig.SessionDescription()
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed answer")
		return
	}
	sess.remoteApplied = true
	roomID := sess.roomID
	peer := sess.peer
	go func() {
		err := peer.SetRemoteDescription(desc)
		o.postAsync(remoteApplied{roomID: roomID, err: err})
	}()
}

func (o *Orchestrator) handleCandidate(sig domain.Signal) {
	sess := o.sess
	c, err := sig.IceCandidate()
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed ice-candidate")
		return
	}
	if sess.peer == nil {
		sess.earlyCandidates = append(sess.earlyCandidates, c)
		return
	}
	sess.peer.AddRemoteCandidate(c)
}

func (o *Orchestrator) handleCallEnd(sig domain.Signal) {
	payload := sig.CallEnd()
	o.sess.endSent = true // the remote side already knows
	reason := domain.EndRemoteHangup
	if payload.Reason == domain.CallEndRejected {
		reason = domain.EndRejected
	}
	o.teardown(reason)
}

func (o *Orchestrator) handleTick() {
	if o.state != domain.StateConnected || o.sess == nil {
		return
	}
	o.sess.seconds++
	o.events.OnDurationTick(o.sess.seconds)
}

func (o *Orchestrator) handleDeadline() {
	o.deadline = nil
	switch o.state {
	case domain.StateDialing, domain.StateRinging, domain.StateConnecting:
		log.Warn().Stringer("state", o.state).Msg("call setup timed out")
		o.teardown(domain.EndNoAnswer)
	}
}

func (o *Orchestrator) armDeadline() {
	o.stopDeadline()
	o.deadline = time.NewTimer(o.setupTimeout)
}

func (o *Orchestrator) stopDeadline() {
	if o.deadline != nil {
		o.deadline.Stop()
		o.deadline = nil
	}
}

// teardown releases everything owned by the active session and returns to
// Idle. Safe to invoke from any state and idempotent: with no active
// session it is a no-op, so a second hangup sends nothing.
func (o *Orchestrator) teardown(reason domain.EndReason) {
	sess := o.sess
	if sess == nil {
		return
	}

	if !sess.endSent {
		o.sendSignal(sess, domain.SignalCallEnd, domain.CallEndPayload{Reason: domain.CallEndEnded})
		sess.endSent = true
	}
	if sess.peer != nil {
		sess.peer.Close()
	}
	if sess.handle != nil {
		sess.handle.Release()
	}
	if o.tick != nil {
		o.tick.Stop()
		o.tick = nil
	}
	o.stopDeadline()

	o.sess = nil
	o.syncToggles()
	o.setState(domain.StateEnded)
	o.events.OnEnded(reason)
	o.setState(domain.StateIdle)
}

func (o *Orchestrator) sendSignal(sess *session, typ domain.SignalType, payload any) {
	sig, err := domain.NewSignal(sess.roomID, o.self, sess.remote, typ, payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(typ)).Msg("build signal")
		return
	}
	o.send(sig)
}

// send is best effort: transport failures are logged and local state
// progresses regardless, since the relay has no acknowledgement contract.
func (o *Orchestrator) send(sig domain.Signal) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := o.channel.Send(ctx, sig); err != nil {
		log.Warn().Err(err).Str("type", string(sig.Type)).Msg("signal send failed")
	}
}
