package intake

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Transient-artifact detection. Partially copied files and OS lock artifacts
// look like evidence to a directory walker but must never enter the
// pipeline.

// incompleteCopyPattern matches a trailing "_$<alphanumeric>" segment before
// the extension, the marker some copy tools leave on in-flight files
// (e.g. "Security_$AB12CD3.evtx").
var incompleteCopyPattern = regexp.MustCompile(`(?i)_\$[a-z0-9]+(\.[^.]*)?$`)

// lockFilePrefix is the two-character marker office/OS tooling puts on lock
// files ("~$doc.evtx").
const lockFilePrefix = "~$"

// temporaryExtensions are extensions of in-progress downloads and editor
// temp files.
var temporaryExtensions = map[string]struct{}{
	".tmp":        {},
	".temp":       {},
	".part":       {},
	".partial":    {},
	".crdownload": {},
	".swp":        {},
}

// IsTransientArtifact reports whether the filename identifies a partially
// copied or OS-lock artifact that must be skipped, not ingested.
func IsTransientArtifact(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, lockFilePrefix) {
		return true
	}
	if incompleteCopyPattern.MatchString(base) {
		return true
	}
	ext := strings.ToLower(filepath.Ext(base))
	if _, ok := temporaryExtensions[ext]; ok {
		return true
	}
	return false
}
