package models

import (
	"path/filepath"
	"sync"
)

// JobState is a stage in a tile job's lifecycle.
type JobState string

const (
	JobStateQueued       JobState = "queued"
	JobStateRunning      JobState = "running"
	JobStateAwaitingExit JobState = "awaiting_exit"
	JobStateFinalizing   JobState = "finalizing"
	JobStateDone         JobState = "done"
	JobStateFailed       JobState = "failed"
)

// TileJob is one tile build: every configured relation streamed into one
// tile builder invocation, published as one artifact.
type TileJob struct {
	Key       string
	TempPath  string
	FinalPath string

	mu    sync.RWMutex
	state JobState
}

// NewTileJob creates a queued job writing part-<key>.<ext> in dir, published
// as <key>.<ext>.
func NewTileJob(key, dir, ext string) *TileJob {
	return &TileJob{
		Key:       key,
		TempPath:  filepath.Join(dir, "part-"+key+"."+ext),
		FinalPath: filepath.Join(dir, key+"."+ext),
		state:     JobStateQueued,
	}
}

// State returns the current state.
func (j *TileJob) State() JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// SetState moves the job to s.
func (j *TileJob) SetState(s JobState) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}
