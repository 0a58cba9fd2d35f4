package server

import "sync"

// sessionState tracks the live turn of one conversation.
type sessionState struct {
	streaming bool
	cancelled bool
	toolName  string
	toolStage string
}

// sessionManager guards per-conversation turn state behind a single mutex.
// Only one turn may run per conversation at a time.
type sessionManager struct {
	mu       sync.Mutex
	sessions map[int64]*sessionState
}

func newSessionManager() *sessionManager {
	return &sessionManager{sessions: make(map[int64]*sessionState)}
}

func (m *sessionManager) get(conversationID int64) *sessionState {
	st, ok := m.sessions[conversationID]
	if !ok {
		st = &sessionState{}
		m.sessions[conversationID] = st
	}
	return st
}

// begin claims the conversation for a new turn. It returns false when a
// turn is already in flight.
func (m *sessionManager) begin(conversationID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.get(conversationID)
	if st.streaming {
		return false
	}
	st.streaming = true
	st.cancelled = false
	st.toolName = ""
	st.toolStage = ""
	return true
}

// finish releases the conversation and clears the tool stage.
func (m *sessionManager) finish(conversationID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.get(conversationID)
	st.streaming = false
	st.cancelled = false
	st.toolName = ""
	st.toolStage = ""
}

// cancel flags the live turn for cooperative cancellation. It returns
// false when no turn is in flight.
func (m *sessionManager) cancel(conversationID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.get(conversationID)
	if !st.streaming {
		return false
	}
	st.cancelled = true
	return true
}

func (m *sessionManager) cancelled(conversationID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(conversationID).cancelled
}

func (m *sessionManager) streaming(conversationID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(conversationID).streaming
}

// setToolStage records the latest tool event for polling.
func (m *sessionManager) setToolStage(conversationID int64, name, stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.get(conversationID)
	st.toolName = name
	st.toolStage = stage
}

// toolStatus returns the latest tool event. ok is false when the
// conversation is idle.
func (m *sessionManager) toolStatus(conversationID int64) (name, stage string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.get(conversationID)
	if st.toolName == "" {
		return "", "", false
	}
	return st.toolName, st.toolStage, true
}
