package record

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stateTest struct {
	status     string
	terminal   bool
	downloaded bool
}

var stateTests = []stateTest{
	{PENDING, false, false},
	{SUCCESS, true, true},
	{FAILED, true, false},
	{SKIPPED_EXISTING, true, true},
}

func TestRecordStates(t *testing.T) {
	for _, v := range stateTests {
		rec := Record{Status: v.status}
		assert.Equal(t, v.terminal, rec.Terminal(), fmt.Sprintf("terminal mismatch for %s", v.status))
		assert.Equal(t, v.downloaded, rec.Downloaded(), fmt.Sprintf("downloaded mismatch for %s", v.status))
	}
}

func TestNew(t *testing.T) {
	rec := New("BR1", "report 1", "http://example.com/a.pdf", "abcd", 4)

	assert.Equal(t, PENDING, rec.Status)
	assert.Equal(t, 0, rec.Attempts)
	assert.Equal(t, 4, rec.Position)
	assert.False(t, rec.UpdatedAt.IsZero())
}
