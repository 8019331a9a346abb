package domain

import (
	"fmt"
	"time"
)

// CallState is the lifecycle state of the single active call.
type CallState int

const (
	StateIdle CallState = iota
	StateDialing
	StateRinging
	StateConnecting
	StateConnected
	StateEnded
)

func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EndReason explains why a call ended.
type EndReason string

const (
	EndLocalHangup      EndReason = "local-hangup"
	EndRemoteHangup     EndReason = "remote-hangup"
	EndRejected         EndReason = "rejected"
	EndConnectionFailed EndReason = "connection-failed"
	EndNoAnswer         EndReason = "no-answer"
	EndMediaFailed      EndReason = "media-failed"
	EndSuperseded       EndReason = "superseded"
)

// NewRoomID builds the correlation identifier scoping all signals of one
// call attempt: {caller}_{callee}_{unix millis}.
func NewRoomID(caller, callee string) string {
	return fmt.Sprintf("%s_%s_%d", caller, callee, time.Now().UnixMilli())
}
