package conversation

// SessionState is the logical conversation state on top of the transport.
type SessionState int

const (
	// SessionNone means no handshake has been sent on the current link.
	SessionNone SessionState = iota
	// SessionHandshakeSent means start was sent and session_started is awaited.
	SessionHandshakeSent
	// SessionActive means the backend accepted the session.
	SessionActive
	// SessionEndedByBackend means session_closed or session_ended arrived.
	SessionEndedByBackend
	// SessionEndedLocally means Stop was called.
	SessionEndedLocally
)

// String returns a human-readable session state.
func (s SessionState) String() string {
	switch s {
	case SessionNone:
		return "no_session"
	case SessionHandshakeSent:
		return "handshake_sent"
	case SessionActive:
		return "active"
	case SessionEndedByBackend:
		return "ended_by_backend"
	case SessionEndedLocally:
		return "ended_locally"
	default:
		return "unknown"
	}
}

type event int

const (
	evTransportOpen event = iota
	evSessionStarted
	evSessionEnded
	evTransportClosed
	evStop
	evConnect
)

func (e event) String() string {
	return [...]string{"transport_open", "session_started", "session_ended", "transport_closed", "stop", "connect"}[e]
}

type action int

const (
	actSendStart action = iota
	actActivate
	actResetAttempts
	actDeactivate
	actCloseTransport
	actClearSession
	actClearQueue
	actClearTranscript
)

// lifecycle is the session state machine. It is not safe for concurrent
// use; the Manager guards it with its mutex.
type lifecycle struct {
	state SessionState
	// startLink is the transport link that already carried a start.
	startLink string
}

// apply runs one event and returns the actions the caller must perform.
// A nil result means the event was ignored in the current state.
func (l *lifecycle) apply(ev event, linkID string) []action {
	switch ev {
	case evTransportOpen:
		if l.state == SessionEndedLocally || linkID == "" || linkID == l.startLink {
			return nil
		}
		l.startLink = linkID
		l.state = SessionHandshakeSent
		return []action{actSendStart}

	case evSessionStarted:
		switch l.state {
		case SessionHandshakeSent, SessionEndedByBackend, SessionActive:
			l.state = SessionActive
			return []action{actActivate, actResetAttempts}
		}
		return nil

	case evSessionEnded:
		switch l.state {
		case SessionHandshakeSent, SessionActive:
			l.state = SessionEndedByBackend
			return []action{actDeactivate}
		}
		return nil

	case evTransportClosed:
		if l.state == SessionEndedLocally {
			return nil
		}
		l.state = SessionNone
		l.startLink = ""
		return []action{actCloseTransport, actClearSession}

	case evStop:
		l.state = SessionEndedLocally
		l.startLink = ""
		return []action{actClearQueue, actClearSession, actClearTranscript, actCloseTransport}

	case evConnect:
		if l.state == SessionEndedLocally {
			l.state = SessionNone
		}
		return nil
	}
	return nil
}
