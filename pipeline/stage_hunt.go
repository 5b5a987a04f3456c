package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custodian/core"
	"custodian/metrics"
	"custodian/storage"
)

// huntStateSources are the states from which the hunting stage may claim a
// file. Hunting needs indexed events but not a completed scan.
var huntStateSources = []core.FileStatus{
	core.StatusIndexed, core.StatusScanned, core.StatusComplete, core.StatusError,
}

// RunHunt executes the indicator-hunting stage: clear prior matches, search
// the file's indexed events for every enabled indicator of its case, and
// store the hits. Indicators are case-scoped; a file never matches another
// case's indicators.
func (p *Pipeline) RunHunt(ctx context.Context, fileID string) error {
	file, err := p.claim(ctx, fileID, huntStateSources, core.StatusHunting)
	if err != nil {
		if errors.Is(err, ErrNotEligible) {
			metrics.StageRuns.WithLabelValues(string(core.StageHunt), "conflict").Inc()
		}
		return err
	}

	start := time.Now()
	count, runErr := p.hunt(ctx, file)
	metrics.StageDuration.WithLabelValues(string(core.StageHunt)).Observe(time.Since(start).Seconds())

	if runErr == nil {
		if err := p.files.SetIOCMatchCount(ctx, fileID, count); err != nil {
			runErr = fmt.Errorf("failed to record match count: %w", err)
		} else {
			p.logger.Infow("File hunted",
				"file_id", fileID, "case_id", file.CaseID, "matches", count,
				"duration", time.Since(start))
		}
	}
	return p.settle(ctx, core.StageHunt, fileID, core.StatusComplete, core.StatusHunting, runErr)
}

func (p *Pipeline) hunt(ctx context.Context, file *core.CaseFile) (int64, error) {
	if err := p.iocs.DeleteMatchesForFile(ctx, file.ID); err != nil {
		return 0, fmt.Errorf("failed to clear prior matches: %w", err)
	}

	indicators, err := p.iocs.ListEnabledForCase(ctx, file.CaseID)
	if err != nil {
		return 0, fmt.Errorf("failed to list case indicators: %w", err)
	}
	if len(indicators) == 0 {
		return 0, nil
	}

	var matches []core.IOCMatch
	seen := make(map[string]struct{})
	for i := range indicators {
		ioc := &indicators[i]
		hits, err := p.huntIndicator(ctx, file, ioc)
		if err != nil {
			return 0, fmt.Errorf("failed to hunt indicator %s: %w", ioc.ID, err)
		}
		for _, hit := range hits {
			key := hit.EventID + "|" + ioc.ID + "|" + hit.Field
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			matches = append(matches, core.IOCMatch{
				CaseID:       file.CaseID,
				FileID:       file.ID,
				EventID:      hit.EventID,
				IOCID:        ioc.ID,
				IOCType:      ioc.Type,
				IOCValue:     ioc.Value,
				MatchedField: hit.Field,
			})
		}
	}

	if len(matches) > 0 {
		if err := p.iocs.InsertMatchSet(ctx, matches); err != nil {
			return 0, fmt.Errorf("failed to store matches: %w", err)
		}
	}
	return int64(len(matches)), nil
}

// huntIndicator searches the indicator's targeted fields, falling back to a
// raw substring search for types with no structured targets.
func (p *Pipeline) huntIndicator(ctx context.Context, file *core.CaseFile, ioc *core.IOC) ([]storage.FieldHit, error) {
	value := ioc.NormalizedValue()
	targets := p.targets[ioc.Type]
	if len(targets) == 0 {
		return p.events.SearchRawContains(ctx, file.CaseID, file.ID, value)
	}

	var hits []storage.FieldHit
	for _, field := range targets {
		fieldHits, err := p.events.SearchFieldEquals(ctx, file.CaseID, file.ID, field, value)
		if err != nil {
			return nil, err
		}
		hits = append(hits, fieldHits...)
	}
	return hits, nil
}
