package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"custodian/core"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	db, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestFile(caseID, hash string) *core.CaseFile {
	return &core.CaseFile{
		ID:          uuid.New().String(),
		CaseID:      caseID,
		Filename:    "sample.evtx",
		ContentHash: hash,
		Size:        1024,
		Status:      core.StatusQueued,
		Origin:      "interactive",
	}
}

func TestCreateFile_DuplicateHashSameCase(t *testing.T) {
	store := NewSQLiteCaseFileStorage(newTestSQLite(t), zap.NewNop().Sugar())
	ctx := context.Background()

	require.NoError(t, store.CreateFile(ctx, newTestFile("case-7", "aaa")))

	// Identical bytes in the same case: the unique index rejects it.
	err := store.CreateFile(ctx, newTestFile("case-7", "aaa"))
	assert.ErrorIs(t, err, ErrDuplicateFile)

	// Same bytes in a different case: cases are isolated.
	assert.NoError(t, store.CreateFile(ctx, newTestFile("case-8", "aaa")))
}

func TestCreateFile_ConcurrentRaceExactlyOneWins(t *testing.T) {
	store := NewSQLiteCaseFileStorage(newTestSQLite(t), zap.NewNop().Sugar())
	ctx := context.Background()

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- store.CreateFile(ctx, newTestFile("case-7", "samebytes"))
		}()
	}
	wg.Wait()
	close(results)

	var wins, duplicates int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case assert.ErrorIs(t, err, ErrDuplicateFile):
			duplicates++
		}
	}
	assert.Equal(t, 1, wins, "exactly one concurrent upload must win")
	assert.Equal(t, racers-1, duplicates)

	files, err := store.ListFiles(ctx, "case-7")
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestSoftDelete_FreesHashForReupload(t *testing.T) {
	store := NewSQLiteCaseFileStorage(newTestSQLite(t), zap.NewNop().Sugar())
	ctx := context.Background()

	first := newTestFile("case-7", "bbb")
	require.NoError(t, store.CreateFile(ctx, first))
	require.NoError(t, store.SoftDelete(ctx, first.ID))

	// The partial unique index ignores deleted rows.
	assert.NoError(t, store.CreateFile(ctx, newTestFile("case-7", "bbb")))

	// The deleted record is retained, just invisible in listings.
	kept, err := store.GetFile(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, kept.Deleted)

	files, err := store.ListFiles(ctx, "case-7")
	require.NoError(t, err)
	assert.Len(t, files, 1)

	_, err = store.FindByHash(ctx, "case-7", "bbb")
	assert.NoError(t, err, "the replacement file is findable by hash")
}

func TestTransitionStatus_CASGuard(t *testing.T) {
	store := NewSQLiteCaseFileStorage(newTestSQLite(t), zap.NewNop().Sugar())
	ctx := context.Background()

	f := newTestFile("case-7", "ccc")
	require.NoError(t, store.CreateFile(ctx, f))

	// First worker claims the index stage.
	require.NoError(t, store.TransitionStatus(ctx, f.ID,
		[]core.FileStatus{core.StatusQueued, core.StatusError}, core.StatusIndexing))

	// Second worker loses the claim and must back off.
	err := store.TransitionStatus(ctx, f.ID,
		[]core.FileStatus{core.StatusQueued, core.StatusError}, core.StatusIndexing)
	assert.ErrorIs(t, err, ErrStatusConflict)

	got, err := store.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusIndexing, got.Status)
}

func TestTransitionStatus_RejectsIllegalTransition(t *testing.T) {
	store := NewSQLiteCaseFileStorage(newTestSQLite(t), zap.NewNop().Sugar())
	ctx := context.Background()

	f := newTestFile("case-7", "ddd")
	require.NoError(t, store.CreateFile(ctx, f))

	err := store.TransitionStatus(ctx, f.ID,
		[]core.FileStatus{core.StatusQueued}, core.StatusScanned)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionStatus_MissingFile(t *testing.T) {
	store := NewSQLiteCaseFileStorage(newTestSQLite(t), zap.NewNop().Sugar())
	err := store.TransitionStatus(context.Background(), "nope",
		[]core.FileStatus{core.StatusQueued}, core.StatusIndexing)
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestSetError_ClearedOnReentry(t *testing.T) {
	store := NewSQLiteCaseFileStorage(newTestSQLite(t), zap.NewNop().Sugar())
	ctx := context.Background()

	f := newTestFile("case-7", "eee")
	require.NoError(t, store.CreateFile(ctx, f))
	require.NoError(t, store.TransitionStatus(ctx, f.ID,
		[]core.FileStatus{core.StatusQueued}, core.StatusIndexing))
	require.NoError(t, store.SetError(ctx, f.ID, "converter exited 2"))

	got, err := store.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusError, got.Status)
	assert.Equal(t, "converter exited 2", got.ErrorMessage)

	// Error is not terminal: a re-triggered run re-enters indexing and the
	// stale message is cleared.
	require.NoError(t, store.TransitionStatus(ctx, f.ID,
		[]core.FileStatus{core.StatusError}, core.StatusIndexing))
	got, err = store.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusIndexing, got.Status)
	assert.Empty(t, got.ErrorMessage)
}

func TestCounters(t *testing.T) {
	store := NewSQLiteCaseFileStorage(newTestSQLite(t), zap.NewNop().Sugar())
	ctx := context.Background()

	f := newTestFile("case-7", "fff")
	require.NoError(t, store.CreateFile(ctx, f))
	require.NoError(t, store.SetEventCount(ctx, f.ID, 500))
	require.NoError(t, store.SetViolationCount(ctx, f.ID, 12))
	require.NoError(t, store.SetIOCMatchCount(ctx, f.ID, 3))

	got, err := store.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 500, got.EventCount)
	assert.EqualValues(t, 12, got.ViolationCount)
	assert.EqualValues(t, 3, got.IOCMatchCount)
}

func TestListFiles_ExcludesHidden(t *testing.T) {
	store := NewSQLiteCaseFileStorage(newTestSQLite(t), zap.NewNop().Sugar())
	ctx := context.Background()

	visible := newTestFile("case-7", "g1")
	hidden := newTestFile("case-7", "g2")
	require.NoError(t, store.CreateFile(ctx, visible))
	require.NoError(t, store.CreateFile(ctx, hidden))
	require.NoError(t, store.SetHidden(ctx, hidden.ID, true))

	files, err := store.ListFiles(ctx, "case-7")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, visible.ID, files[0].ID)
}

func TestListFileIDs_Scopes(t *testing.T) {
	store := NewSQLiteCaseFileStorage(newTestSQLite(t), zap.NewNop().Sugar())
	ctx := context.Background()

	a := newTestFile("case-7", "h1")
	b := newTestFile("case-7", "h2")
	c := newTestFile("case-8", "h1")
	for _, f := range []*core.CaseFile{a, b, c} {
		require.NoError(t, store.CreateFile(ctx, f))
	}
	require.NoError(t, store.SoftDelete(ctx, b.ID))

	ids, err := store.ListFileIDs(ctx, core.CaseScope("case-7"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID}, ids)

	ids, err = store.ListFileIDs(ctx, core.GlobalScope())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, c.ID}, ids)

	ids, err = store.ListFileIDs(ctx, core.FileScope(a.ID, b.ID))
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID}, ids)
}
