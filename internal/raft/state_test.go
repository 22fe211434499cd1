package raft

import (
	"testing"
)

func TestNodeStatePersistsTermAndVote(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenNodeState(dir)
	if err != nil {
		t.Fatalf("OpenNodeState failed: %v", err)
	}
	s.BecomeFollower(7)
	s.SetVotedFor(3)

	reopened, err := OpenNodeState(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.CurrentTerm() != 7 {
		t.Errorf("term not persisted, got %d", reopened.CurrentTerm())
	}
	if reopened.VotedFor() != 3 {
		t.Errorf("vote not persisted, got %d", reopened.VotedFor())
	}
}

func TestRestartTreatsLogTailAsUncommitted(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenNodeState(dir)
	if err != nil {
		t.Fatalf("OpenNodeState failed: %v", err)
	}

	// Appended locally but never replicated to a majority. A new
	// leader may overwrite it, so a restart must not treat it as
	// committed.
	entry := &LogEntry{Index: 1, Term: 1, Type: EntryCommand, Command: []byte("x")}
	if err := s.Log().Append(entry); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	s.SetCommitIndex(1)
	s.SetLastApplied(1)

	reopened, err := OpenNodeState(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.Log().LastIndex() != 1 {
		t.Fatalf("log tail should survive restart, last index %d", reopened.Log().LastIndex())
	}
	if reopened.CommitIndex() != 0 {
		t.Errorf("commit index must restart at the snapshot boundary, got %d", reopened.CommitIndex())
	}
	if reopened.LastApplied() != 0 {
		t.Errorf("applied index must restart at the snapshot boundary, got %d", reopened.LastApplied())
	}
}
