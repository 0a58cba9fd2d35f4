package server

import "testing"

func TestSessionManagerSingleTurn(t *testing.T) {
	m := newSessionManager()

	if !m.begin(1) {
		t.Fatal("first begin should claim the conversation")
	}
	if m.begin(1) {
		t.Error("second begin should fail while streaming")
	}
	if !m.begin(2) {
		t.Error("other conversations are independent")
	}

	m.finish(1)
	if m.streaming(1) {
		t.Error("finish should release the conversation")
	}
	if !m.begin(1) {
		t.Error("begin should succeed after finish")
	}
}

func TestSessionManagerCancel(t *testing.T) {
	m := newSessionManager()

	if m.cancel(1) {
		t.Error("cancel without a live turn should fail")
	}

	m.begin(1)
	if !m.cancel(1) {
		t.Fatal("cancel should flag the live turn")
	}
	if !m.cancelled(1) {
		t.Error("cancelled flag not set")
	}

	// A fresh turn starts clean.
	m.finish(1)
	m.begin(1)
	if m.cancelled(1) {
		t.Error("cancelled flag leaked into the next turn")
	}
}

func TestSessionManagerToolStage(t *testing.T) {
	m := newSessionManager()
	m.begin(1)

	if _, _, ok := m.toolStatus(1); ok {
		t.Error("expected idle before any tool event")
	}

	m.setToolStage(1, "web_search", "call")
	name, stage, ok := m.toolStatus(1)
	if !ok || name != "web_search" || stage != "call" {
		t.Errorf("toolStatus = %q %q %v", name, stage, ok)
	}

	m.setToolStage(1, "web_search", "result")
	if _, stage, _ := m.toolStatus(1); stage != "result" {
		t.Errorf("stage = %q, want result", stage)
	}

	m.finish(1)
	if _, _, ok := m.toolStatus(1); ok {
		t.Error("finish should clear the tool stage")
	}
}
