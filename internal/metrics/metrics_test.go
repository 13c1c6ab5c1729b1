package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ObserveReceived("0")
	m.ObserveReceived("0")
	m.ObserveReceived("1")
	m.ObserveForwarded()
	m.ObserveDuplicate()
	m.ObserveProtocolError("subscriptionError")
	m.ObserveReplays(3)
	m.SetSubscriptions(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesForwarded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Duplicates))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProtocolErrors.WithLabelValues("subscriptionError")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Replays))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Subscriptions))
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveReceived("0")
		m.ObserveForwarded()
		m.ObserveDuplicate()
		m.ObserveProtocolError("error")
		m.ObserveConnect("0")
		m.ObserveReplays(1)
		m.SetSubscriptions(1)
		m.SetLinksConnected(1)
		m.SetCacheSize(1)
		m.ObserveArchived(1, 0.1)
		m.ObserveArchiveError()
		m.ObservePublished("pricefeed.stream")
	})
}

func TestHandler(t *testing.T) {
	reg := NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	m.ObserveForwarded()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "pricefeed_messages_forwarded_total 1"))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}
