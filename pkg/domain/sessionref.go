package domain

// SessionRefState distinguishes "persistence not yet consulted" from an
// explicit new chat and from a server-bound session.
type SessionRefState int

const (
	// SessionUnresolved means no one has consulted persisted state yet.
	SessionUnresolved SessionRefState = iota
	// SessionNew is an explicit new chat with no server id.
	SessionNew
	// SessionBound carries a server-issued session id.
	SessionBound
)

// SessionRef is the tagged session-id variant held by the session
// controller. The zero value is Unresolved. The client never fabricates a
// bound id; ids come from the server only.
type SessionRef struct {
	state SessionRefState
	id    string
}

// UnresolvedRef returns the "not yet consulted" variant.
func UnresolvedRef() SessionRef {
	return SessionRef{state: SessionUnresolved}
}

// NewChatRef returns the explicit new-chat variant.
func NewChatRef() SessionRef {
	return SessionRef{state: SessionNew}
}

// BoundRef returns a variant bound to a server-issued id.
func BoundRef(id string) SessionRef {
	return SessionRef{state: SessionBound, id: id}
}

// State returns the variant tag.
func (r SessionRef) State() SessionRefState {
	return r.state
}

// Bound returns the server id and whether the ref is bound.
func (r SessionRef) Bound() (string, bool) {
	return r.id, r.state == SessionBound
}

func (r SessionRef) String() string {
	switch r.state {
	case SessionNew:
		return "new"
	case SessionBound:
		return "bound:" + r.id
	default:
		return "unresolved"
	}
}
