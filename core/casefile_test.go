package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidTransition_FullPipelinePath(t *testing.T) {
	path := []FileStatus{
		StatusQueued, StatusIndexing, StatusIndexed,
		StatusScanning, StatusScanned, StatusHunting, StatusComplete,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, ValidTransition(path[i], path[i+1]),
			"expected %s -> %s to be legal", path[i], path[i+1])
	}
}

func TestValidTransition_NoStageSkipping(t *testing.T) {
	// The full pipeline never skips a stage.
	assert.False(t, ValidTransition(StatusQueued, StatusIndexed))
	assert.False(t, ValidTransition(StatusQueued, StatusScanning))
	assert.False(t, ValidTransition(StatusIndexing, StatusScanning))
	assert.False(t, ValidTransition(StatusIndexing, StatusComplete))
}

func TestValidTransition_ErrorReachableFromNonTerminal(t *testing.T) {
	for _, from := range []FileStatus{
		StatusQueued, StatusIndexing, StatusIndexed,
		StatusScanning, StatusScanned, StatusHunting,
	} {
		assert.True(t, ValidTransition(from, StatusError), "from %s", from)
	}
	assert.False(t, ValidTransition(StatusComplete, StatusError))
}

func TestValidTransition_ErrorIsNotTerminal(t *testing.T) {
	assert.True(t, ValidTransition(StatusError, StatusIndexing))
	assert.True(t, ValidTransition(StatusError, StatusScanning))
	assert.True(t, ValidTransition(StatusError, StatusHunting))
	assert.False(t, ValidTransition(StatusError, StatusComplete))
	assert.False(t, ValidTransition(StatusError, StatusQueued))
}

func TestValidTransition_DirectStageReruns(t *testing.T) {
	// Settled files may re-enter any stage directly without replaying
	// earlier stages.
	assert.True(t, ValidTransition(StatusComplete, StatusScanning))
	assert.True(t, ValidTransition(StatusComplete, StatusHunting))
	assert.True(t, ValidTransition(StatusComplete, StatusIndexing))
	assert.True(t, ValidTransition(StatusScanned, StatusScanning))
	// In-progress files are held by a worker; nothing may barge in.
	assert.False(t, ValidTransition(StatusIndexing, StatusIndexing))
	assert.False(t, ValidTransition(StatusScanning, StatusHunting))
}

func TestValidTransition_RejectsUnknownStatus(t *testing.T) {
	assert.False(t, ValidTransition(FileStatus("bogus"), StatusIndexing))
	assert.False(t, ValidTransition(StatusQueued, FileStatus("bogus")))
}

func TestCaseFileValidate(t *testing.T) {
	f := &CaseFile{CaseID: "case-1", ContentHash: "abc", Status: StatusQueued}
	assert.NoError(t, f.Validate())

	assert.Error(t, (&CaseFile{ContentHash: "abc", Status: StatusQueued}).Validate())
	assert.Error(t, (&CaseFile{CaseID: "c", Status: StatusQueued}).Validate())
	assert.Error(t, (&CaseFile{CaseID: "c", ContentHash: "abc", Status: "nope"}).Validate())
}
