// Package session is the in-memory registry of generation sessions and their
// stage statuses. It is the single source of truth for progress queries; it
// is not durable.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"reel-pipeline/internal/types"
)

// Sentinel errors; callers use errors.Is.
var (
	ErrNotFound          = errors.New("session not found")
	ErrUnknownStage      = errors.New("stage not part of session")
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrStageBusy         = errors.New("another stage is processing")
	ErrNotRestartable    = errors.New("only failed sessions can be restarted")
)

// StageUpdate carries the fields of a SetStage call. Zero values leave the
// existing record untouched, except Status which is required.
type StageUpdate struct {
	Status   types.StageState
	Message  string
	Progress *int
	Error    string
	// Retries is added to the stage's RetryCount.
	Retries int
}

// Progress is the answer to a progress query.
type Progress struct {
	Percent      int                 `json:"percent"`
	CurrentStage types.Stage         `json:"current_stage,omitempty"`
	Status       types.SessionStatus `json:"status"`
}

// Store is the contract the orchestrator depends on. All returned sessions
// are copies.
type Store interface {
	Create(req types.GenerationRequest, referenceImage string) (*types.Session, error)
	Get(id string) (*types.Session, bool)
	List() []*types.Session
	SetStatus(id string, status types.SessionStatus, errMsg string) error
	SetStage(id string, stage types.Stage, upd StageUpdate) error
	SetFinalOutput(id, path string) error
	Progress(id string) (Progress, error)
	Restart(id string) (*types.Session, error)
	Reap(maxAge time.Duration) int
}

// StagesFor returns the fixed stage list for a request.
func StagesFor(req types.GenerationRequest) []types.Stage {
	stages := []types.Stage{types.StagePrompts, types.StageImages, types.StageVideos}
	if req.WantsAudio() {
		stages = append(stages, types.StageAudio)
	}
	return append(stages, types.StageMerge)
}

// MemoryStore is a Store backed by a map guarded by a RWMutex.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
	now      func() time.Time
	newID    func() string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*types.Session),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

var _ Store = (*MemoryStore)(nil)

// Create registers a new pending session.
func (s *MemoryStore) Create(req types.GenerationRequest, referenceImage string) (*types.Session, error) {
	now := s.now()
	sess := &types.Session{
		ID:             s.newID(),
		Request:        req,
		ReferenceImage: referenceImage,
		Status:         types.SessionPending,
		Attempt:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, name := range StagesFor(req) {
		sess.Stages = append(sess.Stages, types.StageStatus{Name: name, Status: types.StagePending})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return nil, fmt.Errorf("session id collision: %s", sess.ID)
	}
	s.sessions[sess.ID] = sess
	return sess.Clone(), nil
}

// Get returns a snapshot of the session.
func (s *MemoryStore) Get(id string) (*types.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// List returns snapshots of every session.
func (s *MemoryStore) List() []*types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	return out
}

// SetStatus moves the session's overall status forward. Re-setting the
// current status is a no-op apart from the error message.
func (s *MemoryStore) SetStatus(id string, status types.SessionStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !statusForward(sess.Status, status) {
		return fmt.Errorf("%w: session %s -> %s", ErrInvalidTransition, sess.Status, status)
	}
	now := s.now()
	sess.Status = status
	if errMsg != "" {
		sess.Error = errMsg
	}
	if sess.IsDone() && sess.CompletedAt == nil {
		sess.CompletedAt = &now
	}
	if sess.IsDone() {
		sess.CurrentStage = ""
	}
	sess.UpdatedAt = now
	return nil
}

func statusForward(from, to types.SessionStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case types.SessionPending:
		return true
	case types.SessionProcessing:
		return to == types.SessionCompleted || to == types.SessionFailed
	}
	return false
}

// SetStage applies a stage transition. Allowed: pending→processing,
// processing→completed|error, and any same-status rewrite. StartTime and
// EndTime are only ever set once.
func (s *MemoryStore) SetStage(id string, stage types.Stage, upd StageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	st := sess.Stage(stage)
	if st == nil {
		return fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	if !stageForward(st.Status, upd.Status) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, stage, st.Status, upd.Status)
	}
	if upd.Status == types.StageProcessing && st.Status != types.StageProcessing {
		if sess.CurrentStage != "" && sess.CurrentStage != stage {
			return fmt.Errorf("%w: %s", ErrStageBusy, sess.CurrentStage)
		}
	}

	now := s.now()
	st.Status = upd.Status
	if upd.Message != "" {
		st.Message = upd.Message
	}
	if upd.Progress != nil {
		p := *upd.Progress
		st.Progress = &p
	}
	if upd.Error != "" {
		st.Error = upd.Error
	}
	if upd.Retries > 0 {
		st.RetryCount += upd.Retries
	}

	switch upd.Status {
	case types.StageProcessing:
		if st.StartTime == nil {
			st.StartTime = &now
		}
		sess.CurrentStage = stage
		if sess.Status == types.SessionPending {
			sess.Status = types.SessionProcessing
		}
	case types.StageCompleted, types.StageError:
		if st.EndTime == nil {
			st.EndTime = &now
		}
		if upd.Status == types.StageCompleted && st.Progress == nil {
			full := 100
			st.Progress = &full
		}
		if sess.CurrentStage == stage {
			sess.CurrentStage = ""
		}
	}
	sess.UpdatedAt = now
	return nil
}

func stageForward(from, to types.StageState) bool {
	if from == to {
		return true
	}
	switch from {
	case types.StagePending:
		return to == types.StageProcessing
	case types.StageProcessing:
		return to == types.StageCompleted || to == types.StageError
	}
	return false
}

// SetFinalOutput records the merged output path.
func (s *MemoryStore) SetFinalOutput(id, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.FinalOutput = path
	sess.UpdatedAt = s.now()
	return nil
}

// Progress reports completed stages over total stages.
func (s *MemoryStore) Progress(id string) (Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Progress{}, ErrNotFound
	}
	done := 0
	for _, st := range sess.Stages {
		if st.Status == types.StageCompleted {
			done++
		}
	}
	pct := 0
	if len(sess.Stages) > 0 {
		pct = done * 100 / len(sess.Stages)
	}
	return Progress{Percent: pct, CurrentStage: sess.CurrentStage, Status: sess.Status}, nil
}

// Restart is the one sanctioned backward move: a failed session goes back to
// processing with every stage reset to pending and the attempt counter
// bumped. Stage retry counts accumulate across restarts, so RetryCount ends
// up as executor retries plus pipeline restarts.
func (s *MemoryStore) Restart(id string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if sess.Status != types.SessionFailed {
		return nil, fmt.Errorf("%w: status %s", ErrNotRestartable, sess.Status)
	}
	for i := range sess.Stages {
		retries := sess.Stages[i].RetryCount + 1
		sess.Stages[i] = types.StageStatus{
			Name:       sess.Stages[i].Name,
			Status:     types.StagePending,
			RetryCount: retries,
		}
	}
	sess.Attempt++
	sess.Status = types.SessionProcessing
	sess.CurrentStage = ""
	sess.Error = ""
	sess.FinalOutput = ""
	sess.CompletedAt = nil
	sess.UpdatedAt = s.now()
	return sess.Clone(), nil
}

// Reap deletes sessions older than maxAge. Sessions still processing are
// kept so a running pipeline never loses its record.
func (s *MemoryStore) Reap(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if sess.Status == types.SessionProcessing {
			continue
		}
		if sess.CreatedAt.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// RunReaper calls Reap every interval until ctx is done. onReap, if set,
// receives the number of sessions removed by each non-empty sweep.
func RunReaper(ctx context.Context, st Store, interval, maxAge time.Duration, onReap func(int)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := st.Reap(maxAge); n > 0 && onReap != nil {
				onReap(n)
			}
		}
	}
}
