// Package cmd provides custodian's command-line interface commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"custodian/config"
	"custodian/core"
	"custodian/intake"
	"custodian/queue"
	"custodian/storage"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// importResult is the per-directory tally printed at the end of a bulk run.
type importResult struct {
	CaseID     string `json:"case_id"`
	Admitted   int    `json:"admitted"`
	Duplicates int    `json:"duplicates"`
	Transient  int    `json:"transient"`
	Failed     int    `json:"failed"`
	Enqueued   int    `json:"enqueued"`
}

// NewImportCmd builds the bulk import command: walk a directory of exported
// artifacts, run each file through the intake gate and enqueue the full
// pipeline for every admitted file.
func NewImportCmd() *cobra.Command {
	var (
		caseID     string
		noEnqueue  bool
		outputJSON bool
		noColor    bool
	)

	cmd := &cobra.Command{
		Use:   "import <directory>",
		Short: "Bulk-import exported artifacts into a case",
		Long: `Walk a directory recursively, admit every artifact through the dedup
gate and enqueue the full pipeline for each newly admitted file. Transient
artifacts (partial copies, lock files) are skipped silently; duplicates are
reported but not re-ingested.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if noColor {
				color.NoColor = true
			}
			if caseID == "" {
				return fmt.Errorf("--case is required")
			}
			return runImport(cmd.Context(), args[0], caseID, noEnqueue, outputJSON)
		},
	}

	cmd.Flags().StringVar(&caseID, "case", "", "case to import into (required)")
	cmd.Flags().BoolVar(&noEnqueue, "no-enqueue", false, "admit files without starting the pipeline")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "print the summary as JSON")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")
	return cmd
}

func runImport(ctx context.Context, dir, caseID string, noEnqueue, outputJSON bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Bulk import is an operator tool; keep its own logs quiet and let the
	// summary speak.
	logger := zap.NewNop().Sugar()

	db, err := storage.NewSQLite(cfg.DataPaths.SQLitePath, logger)
	if err != nil {
		return fmt.Errorf("failed to open status database: %w", err)
	}
	defer db.Close()
	files := storage.NewSQLiteCaseFileStorage(db, logger)
	gate := intake.NewEngine(files, cfg.DataPaths.EvidenceDir, logger)

	var q *queue.Queue
	if !noEnqueue {
		q = queue.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			cfg.Redis.PoolSize, cfg.Pipeline.LeaseTimeout, cfg.Pipeline.MaxRetries, logger)
		defer q.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := q.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to task queue: %w", err)
		}
	}

	headerColor.Printf("Importing %s into case %s\n", dir, caseID)

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " scanning..."
	s.Start()

	result := importResult{CaseID: caseID}
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		s.Suffix = fmt.Sprintf(" %s", d.Name())

		decision, err := gate.Evaluate(ctx, path, caseID, "bulk")
		if err != nil {
			// One broken file must not abort the rest of the directory.
			result.Failed++
			s.Stop()
			errorColor.Printf("  FAILED  %s: %v\n", d.Name(), err)
			s.Start()
			return nil
		}

		switch decision.Outcome {
		case intake.OutcomeNew:
			result.Admitted++
			if q != nil {
				task := core.NewPipelineTask(caseID, decision.File.ID, core.StageFull)
				if err := q.Enqueue(ctx, task); err != nil {
					result.Failed++
					s.Stop()
					errorColor.Printf("  FAILED  %s: enqueue: %v\n", d.Name(), err)
					s.Start()
					return nil
				}
				result.Enqueued++
			}
		case intake.OutcomeDuplicate:
			result.Duplicates++
		case intake.OutcomeSkipTransient:
			result.Transient++
		}
		return nil
	})
	s.Stop()
	if walkErr != nil {
		return fmt.Errorf("failed to walk %s: %w", dir, walkErr)
	}

	if outputJSON {
		return json.NewEncoder(os.Stdout).Encode(result)
	}

	successColor.Printf("Admitted:   %d\n", result.Admitted)
	fmt.Printf("Enqueued:   %d\n", result.Enqueued)
	warningColor.Printf("Duplicates: %d\n", result.Duplicates)
	fmt.Printf("Transient:  %d\n", result.Transient)
	if result.Failed > 0 {
		errorColor.Printf("Failed:     %d\n", result.Failed)
	}
	return nil
}
