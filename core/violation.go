package core

import "time"

// Violation is a detection-rule match against one indexed event. Violations
// are created only by the rule-matching stage and are cleared and recreated
// wholesale on every re-scan.
type Violation struct {
	ID        string    `json:"id"`
	CaseID    string    `json:"case_id"`
	FileID    string    `json:"file_id"`
	EventID   string    `json:"event_id"`
	RuleID    string    `json:"rule_id"`
	RuleTitle string    `json:"rule_title"`
	Severity  string    `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}
