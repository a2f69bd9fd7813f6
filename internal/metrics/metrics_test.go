package metrics

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllMetricsWithoutPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	m.DialogsActive.Inc()
	m.TransactionsTotal.WithLabelValues("INVITE").Inc()
	m.ProxyBranchesTotal.WithLabelValues("terminal").Inc()
	m.CDRsPosted.WithLabelValues("cdr:start").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestServeExposesMetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	srv := NewServer(zerolog.Nop(), reg)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go srv.Serve(l)
	defer srv.Shutdown(context.Background())
	time.Sleep(20 * time.Millisecond)

	resp, err := http.Get("http://" + l.Addr().String() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get("http://" + l.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}
