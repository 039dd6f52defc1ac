package transport

import "sync"

// clientState tracks the tabId→sessionId mapping for one connection.
// tabId is a client-assigned correlation token for multiplexing several
// concurrent chats over one connection; the wire messages that need it
// (stop, queue_remove, queue_edit) don't carry a sessionId of their own,
// so the gateway has to remember which session each tab last resolved
// to. The "" tabId is the default, single-tab session.
type clientState struct {
	mu       sync.Mutex
	sessions map[string]string
}

func newClientState() *clientState {
	return &clientState{sessions: make(map[string]string)}
}

func (cs *clientState) setSession(tabID, sessionID string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.sessions[tabID] = sessionID
	if tabID != "" {
		cs.sessions[""] = sessionID
	}
}

func (cs *clientState) sessionFor(tabID string) string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if sid, ok := cs.sessions[tabID]; ok && sid != "" {
		return sid
	}
	return cs.sessions[""]
}

func (cs *clientState) primarySession() string {
	return cs.sessionFor("")
}

// knownSessions returns every distinct session this connection has ever
// resolved to, for teardown unsubscription.
func (cs *clientState) knownSessions() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	seen := make(map[string]struct{}, len(cs.sessions))
	out := make([]string, 0, len(cs.sessions))
	for _, sid := range cs.sessions {
		if sid == "" {
			continue
		}
		if _, ok := seen[sid]; ok {
			continue
		}
		seen[sid] = struct{}{}
		out = append(out, sid)
	}
	return out
}
