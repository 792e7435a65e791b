package alert

import (
	"testing"

	"github.com/jeyb33/publisher-core/pkg/contracts"
	"github.com/stretchr/testify/assert"
)

func TestBuildAttachmentSetsSeverityColor(t *testing.T) {
	a := buildAttachment(contracts.SeverityCritical, "Reauth required", "user must reauthorize", nil)
	assert.Equal(t, severityColor[contracts.SeverityCritical], a.Color)
	assert.Equal(t, "Reauth required", a.Title)
}

func TestBuildAttachmentFlattensFields(t *testing.T) {
	a := buildAttachment(contracts.SeverityWarning, "t", "b", map[string]any{"draft_id": "d1"})
	require := assert.New(t)
	require.Len(a.Fields, 1)
	require.Equal("draft_id", a.Fields[0].Title)
	require.Equal("d1", a.Fields[0].Value)
}
