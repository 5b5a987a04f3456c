package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventContentHash_Stable(t *testing.T) {
	a := map[string]interface{}{"EventID": 4624, "User": "alice", "Host": "ws01"}
	b := map[string]interface{}{"Host": "ws01", "User": "alice", "EventID": 4624}

	// Same content, different construction order: identical digest.
	assert.Equal(t, EventContentHash(a), EventContentHash(b))
}

func TestEventContentHash_SensitiveToContent(t *testing.T) {
	a := map[string]interface{}{"User": "alice"}
	b := map[string]interface{}{"User": "bob"}
	assert.NotEqual(t, EventContentHash(a), EventContentHash(b))
}

func TestEventID_DeterministicPerFileOrdinalContent(t *testing.T) {
	id1 := EventID("filehash", 7, "content")
	id2 := EventID("filehash", 7, "content")
	assert.Equal(t, id1, id2)

	assert.NotEqual(t, id1, EventID("filehash", 8, "content"))
	assert.NotEqual(t, id1, EventID("otherfile", 7, "content"))
	assert.NotEqual(t, id1, EventID("filehash", 7, "other"))
}

func TestGlobalEventID_CollapsesAcrossFiles(t *testing.T) {
	// Under global dedup identical content in the same case shares one
	// identifier regardless of source file, but cases stay isolated.
	assert.Equal(t, GlobalEventID("case-1", "content"), GlobalEventID("case-1", "content"))
	assert.NotEqual(t, GlobalEventID("case-1", "content"), GlobalEventID("case-2", "content"))
}

func TestUnmarshalPipelineTask(t *testing.T) {
	task := NewPipelineTask("case-1", "file-1", StageIndex)
	data, err := task.Marshal()
	assert.NoError(t, err)

	got, err := UnmarshalPipelineTask(data)
	assert.NoError(t, err)
	assert.Equal(t, task.TaskID, got.TaskID)
	assert.Equal(t, StageIndex, got.Stage)

	_, err = UnmarshalPipelineTask([]byte(`{"stage":"teleport"}`))
	assert.Error(t, err)

	_, err = UnmarshalPipelineTask([]byte(`not json`))
	assert.Error(t, err)
}

func TestScopeValidate(t *testing.T) {
	assert.NoError(t, CaseScope("case-1").Validate())
	assert.NoError(t, FileScope("f1", "f2").Validate())
	assert.NoError(t, GlobalScope().Validate())

	assert.Error(t, Scope{Kind: ScopeCase}.Validate())
	assert.Error(t, Scope{Kind: ScopeFiles}.Validate())
	assert.Error(t, Scope{Kind: "everything"}.Validate())
}
