package pipeline

import (
	"context"
	"testing"

	"custodian/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskLost_ReleasesHeldFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	file := env.admitFile(t, "case-7", sampleEvent+"\n")
	require.NoError(t, env.files.TransitionStatus(ctx, file.ID,
		[]core.FileStatus{core.StatusQueued}, core.StatusIndexing))

	task := core.NewPipelineTask("case-7", file.ID, core.StageIndex)
	task.Attempts = 1
	require.NoError(t, env.p.TaskLost(ctx, task))

	got, err := env.files.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusError, got.Status)
	assert.Contains(t, got.ErrorMessage, "worker lost")

	// The released file is claimable again.
	require.NoError(t, env.p.RunIndex(ctx, file.ID))
	got, err = env.files.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusIndexed, got.Status)
}

func TestTaskLost_LeavesSettledFileAlone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	file := env.admitFile(t, "case-7", sampleEvent+"\n")
	env.markIndexed(t, file.ID)

	// The stage settled before the worker died; only the ack was lost.
	task := core.NewPipelineTask("case-7", file.ID, core.StageIndex)
	task.Attempts = 1
	require.NoError(t, env.p.TaskLost(ctx, task))

	got, err := env.files.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusIndexed, got.Status)
	assert.Empty(t, got.ErrorMessage)
}

func TestTaskLost_IgnoresMissingFile(t *testing.T) {
	env := newTestEnv(t)
	task := core.NewPipelineTask("case-7", "no-such-file", core.StageScan)
	require.NoError(t, env.p.TaskLost(context.Background(), task))
}

func TestTaskExhausted_MarksFileError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	file := env.admitFile(t, "case-7", sampleEvent+"\n")
	require.NoError(t, env.files.TransitionStatus(ctx, file.ID,
		[]core.FileStatus{core.StatusQueued}, core.StatusIndexing))

	task := core.NewPipelineTask("case-7", file.ID, core.StageIndex)
	task.Attempts = 4
	require.NoError(t, env.p.TaskExhausted(ctx, task))

	got, err := env.files.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusError, got.Status)
	assert.Contains(t, got.ErrorMessage, "dead-lettered")
	assert.Contains(t, got.ErrorMessage, "4 attempts")
}

func TestTaskExhausted_LeavesCompleteFileAlone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	file := env.admitFile(t, "case-7", sampleEvent+"\n")
	env.markIndexed(t, file.ID)
	require.NoError(t, env.files.TransitionStatus(ctx, file.ID,
		[]core.FileStatus{core.StatusIndexed}, core.StatusScanning))
	require.NoError(t, env.files.TransitionStatus(ctx, file.ID,
		[]core.FileStatus{core.StatusScanning}, core.StatusScanned))
	require.NoError(t, env.files.TransitionStatus(ctx, file.ID,
		[]core.FileStatus{core.StatusScanned}, core.StatusHunting))
	require.NoError(t, env.files.TransitionStatus(ctx, file.ID,
		[]core.FileStatus{core.StatusHunting}, core.StatusComplete))

	task := core.NewPipelineTask("case-7", file.ID, core.StageHunt)
	task.Attempts = 4
	require.NoError(t, env.p.TaskExhausted(ctx, task))

	got, err := env.files.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusComplete, got.Status)
}
