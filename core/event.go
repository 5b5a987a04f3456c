package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// IndexedEvent is one parsed log record inside the index backend, scoped to a
// case and a file. It is owned exclusively by the parse-and-index stage;
// later stages only read it.
type IndexedEvent struct {
	EventID     string                 `json:"event_id"`
	CaseID      string                 `json:"case_id"`
	FileID      string                 `json:"file_id"`
	Ordinal     uint64                 `json:"ordinal"`
	Timestamp   time.Time              `json:"timestamp"`
	Provider    string                 `json:"provider,omitempty"`
	Channel     string                 `json:"channel,omitempty"`
	RecordID    uint64                 `json:"record_id,omitempty"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
	RawData     json.RawMessage        `json:"raw_data,omitempty"`
	RepeatCount uint64                 `json:"repeat_count"`
	IngestedAt  time.Time              `json:"ingested_at"`
}

// EventContentHash hashes the normalized record content: field keys are
// sorted before hashing so that map iteration order never changes the digest.
func EventContentHash(fields map[string]interface{}) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v|", k, fields[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// EventID derives the stable per-event identifier from the owning file's
// content hash, the record ordinal and the record content hash. Re-running
// the index stage for the same file therefore reproduces identical
// identifiers, which is what makes clear-then-reindex idempotent.
func EventID(fileHash string, ordinal uint64, contentHash string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", fileHash, ordinal, contentHash)))
	return hex.EncodeToString(h[:])
}

// GlobalEventID derives an identifier from case and content only. Used when
// global deduplication is enabled: identical normalized records within one
// case collapse onto the same identifier and accumulate a repeat counter
// instead of being stored once per occurrence.
func GlobalEventID(caseID, contentHash string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s", caseID, contentHash)))
	return hex.EncodeToString(h[:])
}
