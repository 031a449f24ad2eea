package session

import (
	"testing"

	"peersend/dto"
)

func twoMiBSession() *Session {
	return newSession("sess-1", "sender", "receiver", []dto.FileMetadata{
		{ID: "file-1", Name: "video.bin", Size: 2 << 20},
	}, nil)
}

func TestNewSessionStartsWaiting(t *testing.T) {
	s := twoMiBSession()

	if got := s.State(); got.Phase != PhaseWaiting {
		t.Fatalf("expected fresh session to be waiting, got %v", got.Phase)
	}
	if got := s.Progress(); got.TotalBytes != 2<<20 {
		t.Fatalf("expected total of 2 MiB, got %d", got.TotalBytes)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := twoMiBSession()

	if err := s.MarkTransferring(); err != nil {
		t.Fatalf("waiting -> transferring: %v", err)
	}
	// Repeating the transition is tolerated.
	if err := s.MarkTransferring(); err != nil {
		t.Fatalf("transferring -> transferring: %v", err)
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("transferring -> finished: %v", err)
	}
	if got := s.State(); got.Phase != PhaseFinished {
		t.Fatalf("expected finished, got %v", got.Phase)
	}
}

func TestSessionCannotFinishFromWaiting(t *testing.T) {
	s := twoMiBSession()

	if err := s.Finish(); err == nil {
		t.Fatalf("expected waiting -> finished to be rejected")
	}
	if got := s.State(); got.Phase != PhaseWaiting {
		t.Fatalf("expected state to be unchanged, got %v", got.Phase)
	}
}

func TestSessionCancelFromAnyNonTerminalPhase(t *testing.T) {
	waiting := twoMiBSession()
	if err := waiting.Cancel(); err != nil {
		t.Fatalf("cancel waiting session: %v", err)
	}

	transferring := twoMiBSession()
	_ = transferring.MarkTransferring()
	if err := transferring.Cancel(); err != nil {
		t.Fatalf("cancel transferring session: %v", err)
	}
}

func TestTerminalStateIsImmutable(t *testing.T) {
	s := twoMiBSession()
	if err := s.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if err := s.MarkTransferring(); err != ErrTerminalState {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
	if err := s.Fail(CauseIO); err != ErrTerminalState {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
	if got := s.State(); got.Phase != PhaseCancelled {
		t.Fatalf("expected cancelled to stick, got %v", got.Phase)
	}
}

func TestFailCarriesStructuredCause(t *testing.T) {
	s := twoMiBSession()

	if err := s.Fail(CauseCrypto); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got := s.State()
	if got.Phase != PhaseFailed || got.Cause != CauseCrypto {
		t.Fatalf("expected failed with crypto cause, got %+v", got)
	}
}

func TestProgressIsMonotonicAndCapped(t *testing.T) {
	s := twoMiBSession()

	s.addBytes(1 << 20)
	first := s.Progress()
	if first.BytesTransferred != 1<<20 {
		t.Fatalf("expected 1 MiB transferred, got %d", first.BytesTransferred)
	}

	s.addBytes(-5)
	if got := s.Progress(); got.BytesTransferred < first.BytesTransferred {
		t.Fatalf("progress regressed: %d < %d", got.BytesTransferred, first.BytesTransferred)
	}

	s.addBytes(10 << 20)
	if got := s.Progress(); got.BytesTransferred != got.TotalBytes {
		t.Fatalf("expected progress to cap at total, got %d of %d", got.BytesTransferred, got.TotalBytes)
	}
}

func TestProgressRatio(t *testing.T) {
	s := twoMiBSession()

	if got := s.Progress().Ratio(); got != 0 {
		t.Fatalf("expected ratio 0, got %f", got)
	}

	s.addBytes(2 << 20)
	if got := s.Progress().Ratio(); got != 1.0 {
		t.Fatalf("expected ratio 1.0, got %f", got)
	}

	empty := newSession("sess-2", "a", "b", nil, nil)
	if got := empty.Progress().Ratio(); got != 0 {
		t.Fatalf("expected empty session ratio 0, got %f", got)
	}
}

func TestFileByID(t *testing.T) {
	s := twoMiBSession()

	if _, ok := s.FileByID("file-1"); !ok {
		t.Fatalf("expected file-1 to be found")
	}
	if _, ok := s.FileByID("file-9"); ok {
		t.Fatalf("expected unknown file ID to be absent")
	}
}

func TestClearKeyZeroesBuffer(t *testing.T) {
	key := []byte{1, 2, 3, 4}
	s := newSession("sess-3", "a", "b", nil, key)

	s.clearKey()

	for i, b := range key {
		if b != 0 {
			t.Fatalf("expected key byte %d to be zeroed, got %d", i, b)
		}
	}
	if s.Key() != nil {
		t.Fatalf("expected key to be released")
	}
}
