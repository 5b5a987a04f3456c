package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"custodian/config"

	"go.uber.org/zap"
)

// EnsureDataDirectories creates the directories custodian needs before any
// service touches them. A pre-flight failure here is a configuration or
// permissions problem the operator must fix.
func EnsureDataDirectories(cfg *config.Config, sugar *zap.SugaredLogger) error {
	dirs := []string{
		cfg.DataPaths.DataDir,
		cfg.DataPaths.StagingDir,
		cfg.DataPaths.EvidenceDir,
		cfg.DataPaths.RulesDir,
		filepath.Dir(cfg.DataPaths.SQLitePath),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		if err := checkWritable(dir); err != nil {
			return err
		}
	}
	sugar.Infow("Data directories ready",
		"data", cfg.DataPaths.DataDir,
		"staging", cfg.DataPaths.StagingDir,
		"evidence", cfg.DataPaths.EvidenceDir)
	return nil
}

func checkWritable(dir string) error {
	probe := filepath.Join(dir, ".custodian-write-check")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	_ = f.Close()
	return os.Remove(probe)
}
