package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"custodian/core"
	"custodian/metrics"
)

// scanStateSources are the states from which the rule-matching stage may
// claim a file. Indexing must have completed at least once.
var scanStateSources = []core.FileStatus{
	core.StatusIndexed, core.StatusScanned, core.StatusComplete, core.StatusError,
}

// ruleMatch is one finding on the rule engine's stdout, one JSON object per
// line.
type ruleMatch struct {
	RuleID    string `json:"rule_id"`
	RuleTitle string `json:"rule_title"`
	Severity  string `json:"severity"`
	EventRef  string `json:"event_ref"`
}

// RunScan executes the rule-matching stage: clear prior violations, hand the
// persisted corpus to the external rule engine, and store its findings.
//
// The clear commits before the engine is invoked, so a failed re-scan leaves
// the file with zero violations rather than stale ones.
func (p *Pipeline) RunScan(ctx context.Context, fileID string) error {
	file, err := p.claim(ctx, fileID, scanStateSources, core.StatusScanning)
	if err != nil {
		if errors.Is(err, ErrNotEligible) {
			metrics.StageRuns.WithLabelValues(string(core.StageScan), "conflict").Inc()
		}
		return err
	}

	start := time.Now()
	count, runErr := p.scan(ctx, file)
	metrics.StageDuration.WithLabelValues(string(core.StageScan)).Observe(time.Since(start).Seconds())

	if runErr == nil {
		if err := p.files.SetViolationCount(ctx, fileID, count); err != nil {
			runErr = fmt.Errorf("failed to record violation count: %w", err)
		} else {
			p.logger.Infow("File scanned",
				"file_id", fileID, "case_id", file.CaseID, "violations", count,
				"duration", time.Since(start))
		}
	}
	return p.settle(ctx, core.StageScan, fileID, core.StatusScanned, core.StatusScanning, runErr)
}

func (p *Pipeline) scan(ctx context.Context, file *core.CaseFile) (int64, error) {
	corpus := corpusPath(file)
	if _, err := os.Stat(corpus); err != nil {
		return 0, fmt.Errorf("normalized corpus missing, re-run indexing: %w", err)
	}

	if err := p.violations.DeleteForFile(ctx, file.ID); err != nil {
		return 0, fmt.Errorf("failed to clear prior violations: %w", err)
	}

	argv := append(append([]string{}, p.cfg.Pipeline.RuleEngineCommand...),
		"--rules", p.cfg.DataPaths.RulesDir,
		"--mapping", p.cfg.DataPaths.FieldMappingPath,
		corpus)

	var found []core.Violation
	err := p.runSubprocess(ctx, argv, func(cmd *exec.Cmd) error {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("failed to open rule engine stdout: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start rule engine: %w", err)
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), scannerBufferSize)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var match ruleMatch
			if err := json.Unmarshal(line, &match); err != nil {
				return fmt.Errorf("malformed rule engine output line: %w", err)
			}
			if match.RuleID == "" || match.EventRef == "" {
				return fmt.Errorf("rule engine output missing rule_id or event_ref")
			}
			found = append(found, core.Violation{
				CaseID:    file.CaseID,
				FileID:    file.ID,
				EventID:   match.EventRef,
				RuleID:    match.RuleID,
				RuleTitle: match.RuleTitle,
				Severity:  match.Severity,
			})
		}
		return scanner.Err()
	})
	if err != nil {
		return 0, err
	}

	if len(found) > 0 {
		if err := p.violations.InsertSet(ctx, found); err != nil {
			return 0, fmt.Errorf("failed to store violations: %w", err)
		}
	}
	return int64(len(found)), nil
}
