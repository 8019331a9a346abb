package domain

// MediaAccessError reports hardware or permission denial while acquiring
// the local camera/microphone.
type MediaAccessError struct {
	Err error
}

func (e *MediaAccessError) Error() string { return "media access: " + e.Err.Error() }
func (e *MediaAccessError) Unwrap() error { return e.Err }

// NegotiationError reports a malformed or out-of-sequence offer, answer or
// candidate.
type NegotiationError struct {
	Err error
}

func (e *NegotiationError) Error() string { return "negotiation: " + e.Err.Error() }
func (e *NegotiationError) Unwrap() error { return e.Err }

// TransportError reports a signal send failure on the relay. Sends are best
// effort, so callers log these and carry on.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "signal transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }
