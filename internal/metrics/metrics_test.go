package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_CountersAppearInPrometheusOutput(t *testing.T) {
	provider, err := NewProvider("runengine", "test-build")
	require.NoError(t, err)

	rec, err := NewRecorder(provider.MeterProvider)
	require.NoError(t, err)

	rec.IncFileWriteFailed()
	rec.IncFramesSent()
	rec.IncMessagesProcessed()
	rec.IncMessagesReceived("run_start")
	rec.SetLastMessageTimestamp(time.Unix(100, 0))
	rec.SetLastMessageFrameNumber(42)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	provider.Handler().ServeHTTP(rr, req)

	body := rr.Body.String()
	assert.Contains(t, body, "component_info")
	assert.Contains(t, body, "failures_total")
	assert.Contains(t, body, "frames_sent_total")
	assert.Contains(t, body, "messages_processed_total")
	assert.Contains(t, body, "messages_received_total")
	assert.Contains(t, body, "last_message_timestamp")
	assert.Contains(t, body, "last_message_frame_number")
	assert.True(t, strings.Contains(body, `kind="file_write"`))
}
