package engine

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drachtio/drachtio-go/internal/config"
	"github.com/drachtio/drachtio-go/internal/metrics"
	"github.com/drachtio/drachtio-go/internal/pendingreq"
	"github.com/drachtio/drachtio-go/internal/sipclient"
	"github.com/drachtio/drachtio-go/sip"
)

// fakeConn is the minimal sip.Connection needed to construct a live
// sip.ServerTx without opening a real socket, matching the pattern used
// throughout internal/dialogctl and internal/pendingreq's own tests.
type fakeConn struct {
	written []sip.Message
}

func (c *fakeConn) LocalAddr() net.Addr { return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5060} }
func (c *fakeConn) WriteMsg(msg sip.Message) error {
	c.written = append(c.written, msg)
	return nil
}
func (c *fakeConn) Ref(i int) int          { return 1 }
func (c *fakeConn) TryClose() (int, error) { return 0, nil }
func (c *fakeConn) Close() error           { return nil }

func (c *fakeConn) lastResponse(t *testing.T) *sip.Response {
	t.Helper()
	require.NotEmpty(t, c.written)
	res, ok := c.written[len(c.written)-1].(*sip.Response)
	require.True(t, ok, "last written message is not a response")
	return res
}

func newServerTx(t *testing.T, req *sip.Request) (*sip.ServerTx, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	tx := sip.NewServerTx("test-key", req, conn, zerolog.Nop())
	require.NoError(t, tx.Init())
	return tx, conn
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	if cfg == nil {
		var err error
		cfg, err = config.Load(nil, "")
		require.NoError(t, err)
	}
	reg := metrics.New(prometheus.NewRegistry())
	e := New(zerolog.Nop(), cfg, reg, nil)
	t.Cleanup(e.Shutdown)
	return e
}

func newRegisterWildcard(t *testing.T, expires uint32) *sip.Request {
	t.Helper()
	req := sipclient.NewRequest(sip.REGISTER, sip.Uri{Host: "example.com"},
		sipclient.WithFrom("alice", sip.Uri{User: "alice", Host: "example.org"}),
		sipclient.WithVia("UDP", "10.0.0.1", 5060),
		sipclient.WithContact(sip.Uri{Wildcard: true}),
	)
	exp := sip.Expires(expires)
	req.AppendHeader(&exp)
	return req
}

func newOptionsPing(t *testing.T, userAgent string) *sip.Request {
	t.Helper()
	req := sipclient.NewRequest(sip.OPTIONS, sip.Uri{Host: "example.com"},
		sipclient.WithFrom("monitor", sip.Uri{User: "monitor", Host: "example.org"}),
		sipclient.WithVia("UDP", "10.0.0.1", 5060),
		sipclient.WithContact(sip.Uri{User: "monitor", Host: "10.0.0.1", Port: 5060}),
	)
	ua := sip.UserAgentHeader(userAgent)
	req.AppendHeader(&ua)
	return req
}

func newInvite(t *testing.T) *sip.Request {
	t.Helper()
	return sipclient.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "example.com"},
		sipclient.WithFrom("alice", sip.Uri{User: "alice", Host: "example.org"}),
		sipclient.WithVia("UDP", "10.0.0.1", 5060),
		sipclient.WithContact(sip.Uri{User: "alice", Host: "10.0.0.1", Port: 5060}),
	)
}

func TestOnRequestRejectsWildcardRegisterWithNonZeroExpires(t *testing.T) {
	e := newTestEngine(t, nil)
	req := newRegisterWildcard(t, 3600)
	tx, conn := newServerTx(t, req)

	e.OnRequest(req, tx)

	res := conn.lastResponse(t)
	assert.Equal(t, 400, res.StatusCode)
}

func TestOnRequestAllowsWildcardRegisterWithZeroExpires(t *testing.T) {
	e := newTestEngine(t, nil)
	req := newRegisterWildcard(t, 0)
	tx, conn := newServerTx(t, req)

	e.OnRequest(req, tx)

	// No client subscribed and no HTTP route configured: falls through to
	// the default "no client available" reply, not the 400 quick reject.
	res := conn.lastResponse(t)
	assert.Equal(t, defaultInviteFailureStatus, res.StatusCode)
}

func TestOnRequestAutoAnswersSIPpPingOptions(t *testing.T) {
	e := newTestEngine(t, nil)
	req := newOptionsPing(t, "SIPp-PING/3.6.1")
	tx, conn := newServerTx(t, req)

	e.OnRequest(req, tx)

	res := conn.lastResponse(t)
	assert.Equal(t, sip.StatusOK, res.StatusCode)
}

func TestOnRequestDoesNotAutoAnswerUnrecognizedOptions(t *testing.T) {
	e := newTestEngine(t, nil)
	req := newOptionsPing(t, "Generic UA 1.0")
	tx, conn := newServerTx(t, req)

	e.OnRequest(req, tx)

	// Falls through to the pending-request controller; no client is
	// subscribed, so it gets the default "no client available" reply.
	res := conn.lastResponse(t)
	assert.Equal(t, defaultInviteFailureStatus, res.StatusCode)
}

func TestOnRequestInviteEmitsTryingThenDefaultNoClient(t *testing.T) {
	e := newTestEngine(t, nil)
	req := newInvite(t)
	tx, conn := newServerTx(t, req)

	e.OnRequest(req, tx)

	require.Len(t, conn.written, 2)
	trying, ok := conn.written[0].(*sip.Response)
	require.True(t, ok)
	assert.Equal(t, sip.StatusTrying, trying.StatusCode)

	final, ok := conn.written[1].(*sip.Response)
	require.True(t, ok)
	assert.Equal(t, defaultInviteFailureStatus, final.StatusCode)
}

func TestOnRequestWithoutBlacklistReachesPendingFallback(t *testing.T) {
	e := newTestEngine(t, nil)
	e.blacklist = nil // default config carries no blacklist; nothing to drop

	req := newInvite(t)
	tx, conn := newServerTx(t, req)
	e.OnRequest(req, tx)

	// Sanity: with no blacklist configured, OnRequest still proceeds past
	// step 1 and reaches the pending-request fallback.
	require.NotEmpty(t, conn.written)
}

func TestDispatchViaHTTPRouteAppliesRejectInstruction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"action": "reject",
			"data":   map[string]interface{}{"status": 486, "reason": "Busy Here"},
		})
	}))
	defer srv.Close()

	cfg, err := config.Load([]string{"-request-handler-url=" + srv.URL}, "")
	require.NoError(t, err)
	e := newTestEngine(t, cfg)

	req := newInvite(t)
	tx, conn := newServerTx(t, req)
	e.OnRequest(req, tx)

	require.Len(t, conn.written, 2) // 100 Trying, then the routed reject
	final, ok := conn.written[1].(*sip.Response)
	require.True(t, ok)
	assert.Equal(t, 486, final.StatusCode)
}

func TestHandleSIPVerbRejectsUnparseableBody(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.handleSIPVerb(nil, "msg-1", []string{"tx-1"}, "not a sip message")
	assert.Error(t, err)
}

func TestHandleSIPVerbRespondsParkedNonInviteFromClient(t *testing.T) {
	e := newTestEngine(t, nil)

	req := newOptionsPing(t, "Generic UA 1.0")
	tx, conn := newServerTx(t, req)

	pr, err := e.pending.Arrive(req, tx, func(r *pendingreq.Request) error { return nil })
	require.NoError(t, err)

	rawBody := "SIP/2.0 200 OK\r\nCSeq: 1 OPTIONS\r\nCall-ID: abc\r\nVia: SIP/2.0/UDP 10.0.0.1:5060\r\nFrom: <sip:monitor@example.org>\r\nTo: <sip:example.com>\r\n\r\n"
	_, err = e.handleSIPVerb(nil, "msg-1", []string{pr.TransactionID}, rawBody)
	require.NoError(t, err)

	res := conn.lastResponse(t)
	assert.Equal(t, sip.StatusOK, res.StatusCode)
}

func TestHandleProxyVerbRejectsMissingArgs(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.handleProxyVerb(nil, "msg-1", []string{"tx-1"}, "")
	assert.Error(t, err)
}

func TestHandleProxyVerbRejectsUnknownTransaction(t *testing.T) {
	e := newTestEngine(t, nil)
	args := []string{"unknown-tx", "norecord", "", "noFollow", "serial", "0", "0"}
	_, err := e.handleProxyVerb(nil, "msg-1", args, "")
	assert.Error(t, err)
}

func TestPeerHostOfFallsBackToViaWhenSourceUnset(t *testing.T) {
	req := newInvite(t)
	assert.Equal(t, "10.0.0.1", peerHostOf(req))
}

func TestSweepUpdatesDialogsActiveMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	cfg, err := config.Load(nil, "")
	require.NoError(t, err)
	e := New(zerolog.Nop(), cfg, m, nil)
	t.Cleanup(e.Shutdown)

	e.sweep()

	assert.Equal(t, float64(0), testutil.ToFloat64(m.DialogsActive))
}
