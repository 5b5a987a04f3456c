package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage identifies one pipeline stage as an independently invokable unit.
type Stage string

const (
	// StageIndex converts the artifact and writes indexed events.
	StageIndex Stage = "index"
	// StageScan runs the external rule engine and writes violations.
	StageScan Stage = "scan"
	// StageHunt matches case indicators and writes IOC matches.
	StageHunt Stage = "hunt"
	// StageFull runs index, scan and hunt in dependency order.
	StageFull Stage = "full"
)

// IsValid checks if the stage is a known pipeline stage.
func (s Stage) IsValid() bool {
	switch s {
	case StageIndex, StageScan, StageHunt, StageFull:
		return true
	}
	return false
}

// PipelineTask is one in-flight unit of work: one stage request for one file.
// Tasks exist only inside the work queue; they are never persisted beyond the
// queue's own pending/processing/dead-letter lists.
type PipelineTask struct {
	TaskID     string    `json:"task_id"`
	CaseID     string    `json:"case_id"`
	FileID     string    `json:"file_id"`
	Stage      Stage     `json:"stage"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewPipelineTask builds a task for one stage of one file.
func NewPipelineTask(caseID, fileID string, stage Stage) *PipelineTask {
	return &PipelineTask{
		TaskID:     uuid.New().String(),
		CaseID:     caseID,
		FileID:     fileID,
		Stage:      stage,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Marshal serializes the task for the queue payload.
func (t *PipelineTask) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalPipelineTask parses a queue payload back into a task.
func UnmarshalPipelineTask(data []byte) (*PipelineTask, error) {
	var task PipelineTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline task: %w", err)
	}
	if !task.Stage.IsValid() {
		return nil, fmt.Errorf("pipeline task carries unknown stage %q", task.Stage)
	}
	return &task, nil
}

// ScopeKind discriminates the Scope variant.
type ScopeKind string

const (
	// ScopeCase targets every eligible file of one case.
	ScopeCase ScopeKind = "case"
	// ScopeFiles targets an explicit file set.
	ScopeFiles ScopeKind = "files"
	// ScopeGlobal targets every eligible file of every case.
	ScopeGlobal ScopeKind = "global"
)

// Scope is the tagged variant selecting which files a bulk operation covers.
// It replaces the string flag the status record callers used to thread
// through every call.
type Scope struct {
	Kind    ScopeKind `json:"kind"`
	CaseID  string    `json:"case_id,omitempty"`
	FileIDs []string  `json:"file_ids,omitempty"`
}

// CaseScope targets all eligible files in one case.
func CaseScope(caseID string) Scope {
	return Scope{Kind: ScopeCase, CaseID: caseID}
}

// FileScope targets an explicit set of files.
func FileScope(fileIDs ...string) Scope {
	return Scope{Kind: ScopeFiles, FileIDs: fileIDs}
}

// GlobalScope targets all eligible files across all cases.
func GlobalScope() Scope {
	return Scope{Kind: ScopeGlobal}
}

// Validate checks the scope is internally consistent.
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeCase:
		if s.CaseID == "" {
			return fmt.Errorf("case scope requires a case id")
		}
	case ScopeFiles:
		if len(s.FileIDs) == 0 {
			return fmt.Errorf("file scope requires at least one file id")
		}
	case ScopeGlobal:
	default:
		return fmt.Errorf("unknown scope kind %q", s.Kind)
	}
	return nil
}
