package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mirelabs/fable/pkg/schema"
)

// FileStore keeps every record as a pretty-printed JSON file:
//
//	{base}/{session_id}/session.json
//	{base}/{session_id}/branches/{branch_id}/branch.json
//	{base}/{session_id}/branches/{branch_id}/rounds/{round_no}.json
//	{base}/{session_id}/snapshots/{snapshot_id}.json
//	{base}/{session_id}/jobs/{job_id}.json
//
// Writes are atomic (tmp file plus rename) and serialized per path with
// in-process locks. Locks do not span processes; deploy a single writer.
type FileStore struct {
	baseDir string
	logger  *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewFileStore creates the base directory if needed.
func NewFileStore(baseDir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "creating store dir %q", baseDir).WithCause(err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		baseDir: baseDir,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// BaseDir returns the storage root.
func (s *FileStore) BaseDir() string {
	return s.baseDir
}

// CreateSession writes a new session with turn count zero and a default
// active branch.
func (s *FileStore) CreateSession(initialState map[string]any) (*Session, error) {
	if initialState == nil {
		initialState = map[string]any{}
	}
	sess := &Session{
		ID:             newID("sess_"),
		CreatedAt:      now(),
		TurnCount:      0,
		ActiveBranchID: newID("br_"),
		StableState:    initialState,
	}
	if err := s.writeJSON(s.sessionPath(sess.ID), sess); err != nil {
		return nil, err
	}
	if err := s.writeBranch(&Branch{
		ID:        sess.ActiveBranchID,
		SessionID: sess.ID,
		CreatedAt: now(),
	}); err != nil {
		return nil, err
	}
	s.logger.Info("session created",
		slog.String("session_id", sess.ID),
		slog.String("branch_id", sess.ActiveBranchID),
	)
	return sess, nil
}

// GetSession reads a session record.
func (s *FileStore) GetSession(sessionID string) (*Session, error) {
	var sess Session
	if err := s.readJSON(s.sessionPath(sessionID), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// UpdateSessionState merges updates into the session's stable state.
func (s *FileStore) UpdateSessionState(sessionID string, updates map[string]any) error {
	sess, err := s.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess.StableState == nil {
		sess.StableState = map[string]any{}
	}
	for k, v := range updates {
		sess.StableState[k] = v
	}
	return s.writeJSON(s.sessionPath(sessionID), sess)
}

// IncrementTurnCount advances the session's turn counter by one and returns
// the new value.
func (s *FileStore) IncrementTurnCount(sessionID string) (int, error) {
	sess, err := s.GetSession(sessionID)
	if err != nil {
		return 0, err
	}
	sess.TurnCount++
	if err := s.writeJSON(s.sessionPath(sessionID), sess); err != nil {
		return 0, err
	}
	return sess.TurnCount, nil
}

// SetActiveBranch switches the session's active branch.
func (s *FileStore) SetActiveBranch(sessionID, branchID string) error {
	if _, err := s.GetBranch(sessionID, branchID); err != nil {
		return err
	}
	sess, err := s.GetSession(sessionID)
	if err != nil {
		return err
	}
	sess.ActiveBranchID = branchID
	return s.writeJSON(s.sessionPath(sessionID), sess)
}

// CreateBranch records a new branch, optionally forked from a round of a
// parent branch. The active branch is not switched automatically.
func (s *FileStore) CreateBranch(sessionID, parentBranchID string, forkFromRound int) (*Branch, error) {
	if _, err := s.GetSession(sessionID); err != nil {
		return nil, err
	}
	br := &Branch{
		ID:             newID("br_"),
		SessionID:      sessionID,
		CreatedAt:      now(),
		ParentBranchID: parentBranchID,
		ForkFromRound:  forkFromRound,
	}
	if err := s.writeBranch(br); err != nil {
		return nil, err
	}
	return br, nil
}

// GetBranch reads a branch record.
func (s *FileStore) GetBranch(sessionID, branchID string) (*Branch, error) {
	var br Branch
	if err := s.readJSON(s.branchPath(sessionID, branchID), &br); err != nil {
		return nil, err
	}
	return &br, nil
}

// BeginRound opens round turn_count+1 on the branch and anchors it with an
// immutable snapshot of the stable state and conversation range. The session
// turn counter itself is advanced by the foreground pipeline, not here.
func (s *FileStore) BeginRound(sessionID, branchID, userInput string, stableState map[string]any, rangeStart, rangeEnd int) (*Round, error) {
	sess, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	roundNo := sess.TurnCount + 1

	round := &Round{
		ID:        fmt.Sprintf("%s:%d", branchID, roundNo),
		SessionID: sessionID,
		BranchID:  branchID,
		RoundNo:   roundNo,
		UserInput: userInput,
		CreatedAt: now(),
		Status:    RoundOpen,
		Blockers:  []string{},
	}
	if err := s.writeJSON(s.roundPath(sessionID, branchID, roundNo), round); err != nil {
		return nil, err
	}

	snap, err := s.CreateSnapshot(sessionID, branchID, roundNo, stableState, rangeStart, rangeEnd, []string{"anchor"})
	if err != nil {
		return nil, err
	}
	round.SnapshotID = snap.ID
	if err := s.writeJSON(s.roundPath(sessionID, branchID, roundNo), round); err != nil {
		return nil, err
	}
	return round, nil
}

// SaveRoundReply records the externally visible reply on an open round.
func (s *FileStore) SaveRoundReply(sessionID, branchID string, roundNo int, reply string) error {
	return s.mutateRound(sessionID, branchID, roundNo, func(r *Round) error {
		r.LLMReply = reply
		return nil
	})
}

// SaveRoundMessages persists the message context that produced the reply.
// Only role and content survive; other fields are dropped.
func (s *FileStore) SaveRoundMessages(sessionID, branchID string, roundNo int, messages []map[string]string) error {
	sanitized := make([]map[string]string, 0, len(messages))
	for _, m := range messages {
		sanitized = append(sanitized, map[string]string{
			"role":    m["role"],
			"content": m["content"],
		})
	}
	return s.mutateRound(sessionID, branchID, roundNo, func(r *Round) error {
		r.Messages = sanitized
		return nil
	})
}

// SetRoundBlockers replaces the round's blocker set with the sorted unique
// keys. Non-empty blockers move the round to pending_blocked, an empty set
// back to open. Completed rounds reject the change.
func (s *FileStore) SetRoundBlockers(sessionID, branchID string, roundNo int, keys []string) error {
	return s.mutateRound(sessionID, branchID, roundNo, func(r *Round) error {
		if r.Status == RoundCompleted {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"round %s:%d is completed", branchID, roundNo)
		}
		r.Blockers = uniqueSorted(keys)
		if len(r.Blockers) > 0 {
			r.Status = RoundPendingBlocked
		} else {
			r.Status = RoundOpen
		}
		return nil
	})
}

// ResolveRoundBlockers removes the named blockers; when none remain the
// round returns to open. Completed rounds reject the change.
func (s *FileStore) ResolveRoundBlockers(sessionID, branchID string, roundNo int, keys []string) error {
	return s.mutateRound(sessionID, branchID, roundNo, func(r *Round) error {
		if r.Status == RoundCompleted {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"round %s:%d is completed", branchID, roundNo)
		}
		drop := make(map[string]struct{}, len(keys))
		for _, k := range keys {
			drop[k] = struct{}{}
		}
		remain := make([]string, 0, len(r.Blockers))
		for _, k := range r.Blockers {
			if _, gone := drop[k]; !gone {
				remain = append(remain, k)
			}
		}
		r.Blockers = remain
		if len(remain) > 0 {
			r.Status = RoundPendingBlocked
		} else {
			r.Status = RoundOpen
		}
		return nil
	})
}

// CompleteRound moves the round to its terminal status. Idempotent.
func (s *FileStore) CompleteRound(sessionID, branchID string, roundNo int) error {
	return s.mutateRound(sessionID, branchID, roundNo, func(r *Round) error {
		r.Status = RoundCompleted
		return nil
	})
}

// GetRound reads one round record.
func (s *FileStore) GetRound(sessionID, branchID string, roundNo int) (*Round, error) {
	var r Round
	if err := s.readJSON(s.roundPath(sessionID, branchID, roundNo), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// LatestRound returns the round with the highest number on a branch, or
// NOT_FOUND when the branch has none.
func (s *FileStore) LatestRound(sessionID, branchID string) (*Round, error) {
	dir := filepath.Join(s.branchDir(sessionID, branchID), "rounds")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no rounds on branch %s", branchID)
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "reading rounds dir").WithCause(err)
	}

	var latest *Round
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var r Round
		if err := s.readJSON(filepath.Join(dir, e.Name()), &r); err != nil {
			s.logger.Warn("skipping unreadable round file",
				slog.String("path", e.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if latest == nil || r.RoundNo > latest.RoundNo {
			cp := r
			latest = &cp
		}
	}
	if latest == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no rounds on branch %s", branchID)
	}
	return latest, nil
}

// CreateSnapshot writes an immutable snapshot record.
func (s *FileStore) CreateSnapshot(sessionID, branchID string, anchorRound int, stableState map[string]any, rangeStart, rangeEnd int, tags []string) (*Snapshot, error) {
	if stableState == nil {
		stableState = map[string]any{}
	}
	snap := &Snapshot{
		ID:              newID("snap_"),
		SessionID:       sessionID,
		BranchID:        branchID,
		AnchorRound:     anchorRound,
		CreatedAt:       now(),
		StableState:     stableState,
		ConvoRangeStart: rangeStart,
		ConvoRangeEnd:   rangeEnd,
		Tags:            tags,
	}
	if err := s.writeJSON(s.snapshotPath(sessionID, snap.ID), snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// GetSnapshot reads one snapshot record.
func (s *FileStore) GetSnapshot(sessionID, snapshotID string) (*Snapshot, error) {
	var snap Snapshot
	if err := s.readJSON(s.snapshotPath(sessionID, snapshotID), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// RecordJob writes a new job record in the outbox state: status pending,
// not yet enqueued.
func (s *FileStore) RecordJob(sessionID, jobType, branchID string, anchorRound, baseRangeEnd int, gating bool, payload map[string]any, snapshotID string) (*Job, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	job := &Job{
		ID:           newID("job_"),
		SessionID:    sessionID,
		BranchID:     branchID,
		AnchorRound:  anchorRound,
		SnapshotID:   snapshotID,
		Type:         jobType,
		BaseRangeEnd: baseRangeEnd,
		Gating:       gating,
		Status:       JobPending,
		Enqueued:     false,
		CreatedAt:    now(),
		Payload:      payload,
	}
	if err := s.writeJSON(s.jobPath(sessionID, job.ID), job); err != nil {
		return nil, err
	}
	return job, nil
}

// MarkJobEnqueued flips the outbox marker after a successful queue hand-off.
func (s *FileStore) MarkJobEnqueued(sessionID, jobID string) error {
	return s.mutateJob(sessionID, jobID, func(j *Job) error {
		j.Enqueued = true
		j.Status = JobEnqueued
		return nil
	})
}

// UpdateJobStatus sets the job status and, when result is non-nil, the
// result payload.
func (s *FileStore) UpdateJobStatus(sessionID, jobID, status string, result map[string]any) error {
	return s.mutateJob(sessionID, jobID, func(j *Job) error {
		j.Status = status
		if result != nil {
			j.Result = result
		}
		return nil
	})
}

// GetJob reads one job record.
func (s *FileStore) GetJob(sessionID, jobID string) (*Job, error) {
	var job Job
	if err := s.readJSON(s.jobPath(sessionID, jobID), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListPendingJobs returns the session's jobs still awaiting dispatch:
// status pending and not yet enqueued. Unreadable files are skipped.
func (s *FileStore) ListPendingJobs(sessionID string) ([]*Job, error) {
	dir := filepath.Join(s.sessionDir(sessionID), "jobs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "reading jobs dir").WithCause(err)
	}

	var out []*Job
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var job Job
		if err := s.readJSON(filepath.Join(dir, e.Name()), &job); err != nil {
			continue
		}
		if !job.Enqueued && job.Status == JobPending {
			cp := job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListSessions returns the IDs of all sessions in the store, sorted.
func (s *FileStore) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "reading store dir").WithCause(err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *FileStore) writeBranch(br *Branch) error {
	return s.writeJSON(s.branchPath(br.SessionID, br.ID), br)
}

func (s *FileStore) mutateRound(sessionID, branchID string, roundNo int, mutate func(*Round) error) error {
	path := s.roundPath(sessionID, branchID, roundNo)
	var r Round
	if err := s.readJSON(path, &r); err != nil {
		return err
	}
	if err := mutate(&r); err != nil {
		return err
	}
	return s.writeJSON(path, &r)
}

func (s *FileStore) mutateJob(sessionID, jobID string, mutate func(*Job) error) error {
	path := s.jobPath(sessionID, jobID)
	var j Job
	if err := s.readJSON(path, &j); err != nil {
		return err
	}
	if err := mutate(&j); err != nil {
		return err
	}
	return s.writeJSON(path, &j)
}

// ---- paths and ids ----

func (s *FileStore) sessionDir(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID)
}

func (s *FileStore) sessionPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "session.json")
}

func (s *FileStore) branchDir(sessionID, branchID string) string {
	return filepath.Join(s.sessionDir(sessionID), "branches", branchID)
}

func (s *FileStore) branchPath(sessionID, branchID string) string {
	return filepath.Join(s.branchDir(sessionID, branchID), "branch.json")
}

func (s *FileStore) roundPath(sessionID, branchID string, roundNo int) string {
	return filepath.Join(s.branchDir(sessionID, branchID), "rounds", fmt.Sprintf("%d.json", roundNo))
}

func (s *FileStore) snapshotPath(sessionID, snapshotID string) string {
	return filepath.Join(s.sessionDir(sessionID), "snapshots", snapshotID+".json")
}

func (s *FileStore) jobPath(sessionID, jobID string) string {
	return filepath.Join(s.sessionDir(sessionID), "jobs", jobID+".json")
}

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func uniqueSorted(keys []string) []string {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ---- JSON I/O ----

// pathLock returns the mutex guarding one file path.
func (s *FileStore) pathLock(path string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[path] = lock
	}
	return lock
}

// writeJSON writes atomically: marshal, write to a tmp file, rename over the
// target. Serialized per path.
func (s *FileStore) writeJSON(path string, v any) error {
	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "creating dir for %q", path).WithCause(err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "encoding %q", path).WithCause(err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "writing %q", tmp).WithCause(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "replacing %q", path).WithCause(err)
	}
	return nil
}

func (s *FileStore) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return schema.NewErrorf(schema.ErrCodeNotFound, "record %q does not exist", filepath.Base(path))
		}
		return schema.NewErrorf(schema.ErrCodeStore, "reading %q", path).WithCause(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "decoding %q", path).WithCause(err)
	}
	return nil
}
