package session

import (
	"errors"
	"sync"
	"time"

	"peersend/crypto"
	"peersend/dto"
)

// ErrTerminalState is returned when a transition is attempted out of a
// terminal phase.
var ErrTerminalState = errors.New("session: state is terminal")

// Progress is a snapshot of transfer advancement.
type Progress struct {
	BytesTransferred int64
	TotalBytes       int64
	SpeedBytesPerSec float64
}

// Ratio returns completion in [0, 1]. A session with no payload reports 0.
func (p Progress) Ratio() float64 {
	if p.TotalBytes == 0 {
		return 0
	}
	return float64(p.BytesTransferred) / float64(p.TotalBytes)
}

// Session is one file-transfer session between two devices.
//
// State and progress live behind separate locks so status observers never
// contend with the engine's byte counting, and neither contends with the
// manager's session list.
type Session struct {
	ID         string
	SenderID   string
	ReceiverID string
	Files      []dto.FileMetadata

	stateMu sync.RWMutex
	state   State

	progressMu       sync.RWMutex
	bytesTransferred int64
	totalBytes       int64
	startedAt        time.Time
	lastActivity     time.Time

	keyMu sync.Mutex
	key   []byte
}

func newSession(id, senderID, receiverID string, files []dto.FileMetadata, key []byte) *Session {
	var total int64
	for _, f := range files {
		total += f.Size
	}

	now := time.Now()
	return &Session{
		ID:           id,
		SenderID:     senderID,
		ReceiverID:   receiverID,
		Files:        files,
		state:        State{Phase: PhaseWaiting},
		totalBytes:   total,
		startedAt:    now,
		lastActivity: now,
		key:          key,
	}
}

// State returns the current state snapshot.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// MarkTransferring moves the session from Waiting to Transferring. Calling
// it while already Transferring is a no-op.
func (s *Session) MarkTransferring() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.state.Phase == PhaseTransferring {
		return nil
	}
	return s.transitionLocked(State{Phase: PhaseTransferring})
}

// Finish moves the session to Finished.
func (s *Session) Finish() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.transitionLocked(State{Phase: PhaseFinished})
}

// Cancel forces the session to Cancelled from any non-terminal phase.
func (s *Session) Cancel() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.transitionLocked(State{Phase: PhaseCancelled})
}

// Fail moves the session to the failed phase with a structured cause.
func (s *Session) Fail(cause ErrorCause) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.transitionLocked(State{Phase: PhaseFailed, Cause: cause})
}

func (s *Session) transitionLocked(to State) error {
	if !legalTransition(s.state.Phase, to.Phase) {
		if s.state.Phase.Terminal() {
			return ErrTerminalState
		}
		return errors.New("session: illegal transition " + s.state.Phase.String() + " -> " + to.Phase.String())
	}
	s.state = to
	return nil
}

// Progress returns a snapshot of byte counters and the observed rate.
func (s *Session) Progress() Progress {
	s.progressMu.RLock()
	defer s.progressMu.RUnlock()

	elapsed := time.Since(s.startedAt).Seconds()
	speed := 0.0
	if elapsed > 0 {
		speed = float64(s.bytesTransferred) / elapsed
	}

	return Progress{
		BytesTransferred: s.bytesTransferred,
		TotalBytes:       s.totalBytes,
		SpeedBytesPerSec: speed,
	}
}

// addBytes advances the progress counter. The counter never regresses and
// never exceeds the session total.
func (s *Session) addBytes(n int64) {
	if n <= 0 {
		return
	}

	s.progressMu.Lock()
	defer s.progressMu.Unlock()

	s.bytesTransferred += n
	if s.bytesTransferred > s.totalBytes {
		s.bytesTransferred = s.totalBytes
	}
	s.lastActivity = time.Now()
}

// Touch records non-chunk activity so the idle sweep keeps the session.
func (s *Session) Touch() {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()
	s.lastActivity = time.Now()
}

func (s *Session) idleSince() time.Time {
	s.progressMu.RLock()
	defer s.progressMu.RUnlock()
	return s.lastActivity
}

// Key returns the per-session encryption key. The returned slice is the
// live key buffer; callers must not retain it past session removal.
func (s *Session) Key() []byte {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	return s.key
}

// SetKey installs the per-session key, zeroing any previous one.
func (s *Session) SetKey(key []byte) {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	crypto.ClearKey(s.key)
	s.key = key
}

// clearKey zeroes the session key. Called on removal.
func (s *Session) clearKey() {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	crypto.ClearKey(s.key)
	s.key = nil
}

// FileByID returns the metadata of one session file.
func (s *Session) FileByID(id string) (dto.FileMetadata, bool) {
	for _, f := range s.Files {
		if f.ID == id {
			return f, true
		}
	}
	return dto.FileMetadata{}, false
}
