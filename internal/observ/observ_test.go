package observ

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerLevel(t *testing.T) {
	logger := NewLogger("debug")
	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())

	logger = NewLogger("invalid")
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())

	logger = NewLogger("")
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}

func TestLogWritesEventFields(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(newLogger(&buf, "info"), "feed")

	Log(logger, "performance_summary", map[string]any{"trades": 3})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "performance_summary", line["event"])
	assert.Equal(t, "feed", line["component"])
	assert.EqualValues(t, 3, line["trades"])
}

func TestHandlerExposesCollectors(t *testing.T) {
	PayloadsRejected.WithLabelValues("signal").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "signals_payloads_rejected_total"))
}

func TestServeMetrics(t *testing.T) {
	PayloadsRejected.WithLabelValues("signal").Inc()
	srv, err := Serve("127.0.0.1:0", zerolog.Nop())
	require.NoError(t, err)
	defer srv.Shutdown(context.Background())

	resp, err := http.Get("http://" + srv.Addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "signals_payloads_rejected_total")
}

func TestServeReportsBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	srv, err := Serve(ln.Addr().String(), zerolog.Nop())
	assert.Error(t, err)
	assert.Nil(t, srv)
}
