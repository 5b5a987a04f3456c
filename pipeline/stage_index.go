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

	lru "github.com/hashicorp/golang-lru/v2"
)

// eventRefField is injected into every persisted corpus line so the rule
// engine's findings can be tied back to the indexed event.
const eventRefField = "event_ref"

// scannerBufferSize bounds a single converter output line. EVTX records with
// large embedded payloads can exceed bufio's default.
const scannerBufferSize = 16 * 1024 * 1024

// indexStateSources are the states from which the index stage may claim a
// file: the initial queued state plus any settled state for re-runs.
var indexStateSources = []core.FileStatus{
	core.StatusQueued, core.StatusIndexed, core.StatusScanned,
	core.StatusComplete, core.StatusError,
}

// RunIndex executes the parse-and-index stage for one file: clear prior
// output, stream the converter's NDJSON into the index backend in batches,
// and persist the normalized corpus with event references injected.
//
// Any mid-stream failure rolls the file back to zero indexed events, so the
// index backend never holds a partial run.
func (p *Pipeline) RunIndex(ctx context.Context, fileID string) error {
	file, err := p.claim(ctx, fileID, indexStateSources, core.StatusIndexing)
	if err != nil {
		if errors.Is(err, ErrNotEligible) {
			metrics.StageRuns.WithLabelValues(string(core.StageIndex), "conflict").Inc()
		}
		return err
	}

	start := time.Now()
	count, runErr := p.index(ctx, file)
	metrics.StageDuration.WithLabelValues(string(core.StageIndex)).Observe(time.Since(start).Seconds())

	if runErr == nil {
		if err := p.files.SetEventCount(ctx, fileID, count); err != nil {
			runErr = fmt.Errorf("failed to record event count: %w", err)
		} else {
			p.logger.Infow("File indexed",
				"file_id", fileID, "case_id", file.CaseID, "events", count,
				"duration", time.Since(start))
		}
	}
	return p.settle(ctx, core.StageIndex, fileID, core.StatusIndexed, core.StatusIndexing, runErr)
}

func (p *Pipeline) index(ctx context.Context, file *core.CaseFile) (int64, error) {
	// Clearing first makes re-indexing idempotent: stable event identifiers
	// plus an empty slate reproduce the same documents. Downstream results
	// are invalidated too, since they reference the events being replaced.
	if err := p.events.DeleteForFile(ctx, file.CaseID, file.ID); err != nil {
		return 0, fmt.Errorf("failed to clear prior index output: %w", err)
	}
	if err := p.violations.DeleteForFile(ctx, file.ID); err != nil {
		return 0, fmt.Errorf("failed to clear prior violations: %w", err)
	}
	if err := p.iocs.DeleteMatchesForFile(ctx, file.ID); err != nil {
		return 0, fmt.Errorf("failed to clear prior matches: %w", err)
	}
	if err := p.files.SetViolationCount(ctx, file.ID, 0); err != nil {
		return 0, err
	}
	if err := p.files.SetIOCMatchCount(ctx, file.ID, 0); err != nil {
		return 0, err
	}

	corpus := corpusPath(file)
	tmp := corpus + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create corpus file: %w", err)
	}
	defer func() {
		_ = out.Close()
		_ = os.Remove(tmp)
	}()
	corpusWriter := bufio.NewWriter(out)

	argv := append(append([]string{}, p.cfg.Pipeline.ConverterCommand...), file.StoragePath)
	run := newIndexRun(p, ctx, file, corpusWriter)

	err = p.runSubprocess(ctx, argv, func(cmd *exec.Cmd) error {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("failed to open converter stdout: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start converter: %w", err)
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), scannerBufferSize)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			if err := run.consumeLine(line); err != nil {
				return err
			}
		}
		return scanner.Err()
	})
	if err == nil {
		err = run.finish()
	}
	if err != nil {
		// Roll back so a failed run leaves zero events, not a partial file.
		// The rollback must survive the cancellation that aborted the run.
		if delErr := p.events.DeleteForFile(context.WithoutCancel(ctx), file.CaseID, file.ID); delErr != nil {
			p.logger.Errorw("Failed to roll back partial index run",
				"file_id", file.ID, "error", delErr)
		}
		return 0, err
	}

	if err := corpusWriter.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush corpus file: %w", err)
	}
	if err := out.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync corpus file: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("failed to close corpus file: %w", err)
	}
	if err := os.Rename(tmp, corpus); err != nil {
		return 0, fmt.Errorf("failed to publish corpus file: %w", err)
	}

	// Count from the backend rather than the run's own tally: under global
	// dedup, merged rows make the backend the only merge-safe source.
	return p.events.CountForFile(ctx, file.CaseID, file.ID)
}

// indexRun holds the per-run streaming state: the ordinal counter, the open
// insert batch and, under global dedup, the repeat-merge cache.
type indexRun struct {
	p      *Pipeline
	ctx    context.Context
	file   *core.CaseFile
	corpus *bufio.Writer

	ordinal uint64
	batch   []*core.IndexedEvent
	evicted []*core.IndexedEvent
	merge   *lru.Cache[string, *core.IndexedEvent]
}

func newIndexRun(p *Pipeline, ctx context.Context, file *core.CaseFile, corpus *bufio.Writer) *indexRun {
	run := &indexRun{p: p, ctx: ctx, file: file, corpus: corpus}
	if p.cfg.Pipeline.GlobalDedup {
		// The evict callback only stages the event; flushing happens on the
		// caller's goroutine where errors can propagate.
		run.merge, _ = lru.NewWithEvict(p.cfg.Pipeline.DedupCacheSize,
			func(_ string, ev *core.IndexedEvent) {
				run.evicted = append(run.evicted, ev)
			})
	}
	return run
}

func (r *indexRun) consumeLine(line []byte) error {
	rec, err := parseConverterLine(line)
	if err != nil {
		return err
	}

	ordinal := r.ordinal
	r.ordinal++

	contentHash := core.EventContentHash(rec.Fields)
	var eventID string
	if r.merge != nil {
		eventID = core.GlobalEventID(r.file.CaseID, contentHash)
	} else {
		eventID = core.EventID(r.file.ContentHash, ordinal, contentHash)
	}

	if err := r.writeCorpusLine(rec.Raw, eventID); err != nil {
		return err
	}

	if r.merge != nil {
		if existing, ok := r.merge.Get(eventID); ok {
			existing.RepeatCount++
			return nil
		}
	}

	raw, err := json.Marshal(rec.Raw)
	if err != nil {
		return fmt.Errorf("failed to re-encode event record: %w", err)
	}
	ev := &core.IndexedEvent{
		EventID:     eventID,
		CaseID:      r.file.CaseID,
		FileID:      r.file.ID,
		Ordinal:     ordinal,
		Timestamp:   rec.Timestamp,
		Provider:    rec.Provider,
		Channel:     rec.Channel,
		RecordID:    rec.RecordID,
		Fields:      rec.Fields,
		RawData:     raw,
		RepeatCount: 1,
	}

	if r.merge != nil {
		r.merge.Add(eventID, ev)
		return r.drainEvicted()
	}
	return r.add(ev)
}

// writeCorpusLine persists the original record with the event reference
// injected, one JSON object per line.
func (r *indexRun) writeCorpusLine(raw map[string]interface{}, eventID string) error {
	raw[eventRefField] = eventID
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to encode corpus line: %w", err)
	}
	if _, err := r.corpus.Write(data); err != nil {
		return fmt.Errorf("failed to write corpus line: %w", err)
	}
	if err := r.corpus.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write corpus line: %w", err)
	}
	return nil
}

func (r *indexRun) add(ev *core.IndexedEvent) error {
	r.batch = append(r.batch, ev)
	if len(r.batch) >= r.p.cfg.ClickHouse.BatchSize {
		return r.flush()
	}
	return nil
}

func (r *indexRun) drainEvicted() error {
	for _, ev := range r.evicted {
		if err := r.add(ev); err != nil {
			return err
		}
	}
	r.evicted = r.evicted[:0]
	return nil
}

func (r *indexRun) flush() error {
	if len(r.batch) == 0 {
		return nil
	}
	if err := r.p.events.InsertBatch(r.ctx, r.batch); err != nil {
		return fmt.Errorf("failed to insert event batch: %w", err)
	}
	r.batch = r.batch[:0]
	return nil
}

// finish drains the merge cache and flushes the final batch.
func (r *indexRun) finish() error {
	if r.merge != nil {
		r.merge.Purge()
		if err := r.drainEvicted(); err != nil {
			return err
		}
	}
	return r.flush()
}
