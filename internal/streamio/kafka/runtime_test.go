package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/supermusr/data-pipeline/internal/wire"
)

func TestSchemaOf_UsedForMessageReceivedLabel(t *testing.T) {
	encoded, err := wire.Encode(wire.RunStop{RunName: "run1"})
	assert.NoError(t, err)
	assert.Equal(t, wire.MagicRunStop, wire.SchemaOf(encoded))
}

func TestNoopMetrics_DoesNotPanic(t *testing.T) {
	var m noopMetrics
	m.IncMessagesReceived("x")
	m.IncFailure("x")
}
