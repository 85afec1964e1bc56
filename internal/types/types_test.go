package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleUser.Valid())
	assert.True(t, RoleAssistant.Valid())
	assert.True(t, RoleSummary.Valid())
	assert.False(t, Role("system").Valid())
	assert.False(t, Role("").Valid())
}

func TestCompactionRecordValidate(t *testing.T) {
	good := CompactionRecord{
		CoversFrom:    2,
		CoversTo:      10,
		Summary:       Turn{SequenceID: 2, Role: RoleSummary, Content: "summary"},
		SourceTokens:  100,
		SummaryTokens: 20,
	}
	require.NoError(t, good.Validate())

	tests := []struct {
		name   string
		mutate func(*CompactionRecord)
	}{
		{"inverted range", func(r *CompactionRecord) { r.CoversFrom, r.CoversTo = 10, 2 }},
		{"summary with wrong role", func(r *CompactionRecord) { r.Summary.Role = RoleAssistant }},
		{"no shrink", func(r *CompactionRecord) { r.SummaryTokens = r.SourceTokens }},
		{"grew", func(r *CompactionRecord) { r.SummaryTokens = r.SourceTokens + 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := good
			tt.mutate(&rec)
			assert.Error(t, rec.Validate())
		})
	}
}
