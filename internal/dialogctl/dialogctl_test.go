package dialogctl

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drachtio/drachtio-go/internal/sipclient"
	"github.com/drachtio/drachtio-go/internal/store"
	"github.com/drachtio/drachtio-go/internal/timerq"
	"github.com/drachtio/drachtio-go/sip"
)

// fakeConn is the minimal sip.Connection needed to construct a live
// sip.ServerTx in tests, without opening a real socket.
type fakeConn struct {
	written []sip.Message
}

func (c *fakeConn) LocalAddr() net.Addr        { return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5060} }
func (c *fakeConn) WriteMsg(msg sip.Message) error {
	c.written = append(c.written, msg)
	return nil
}
func (c *fakeConn) Ref(i int) int            { return 1 }
func (c *fakeConn) TryClose() (int, error)   { return 0, nil }
func (c *fakeConn) Close() error             { return nil }

func newInviteRequest(t *testing.T) *sip.Request {
	t.Helper()
	req := sipclient.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "example.com"},
		sipclient.WithFrom("alice", sip.Uri{User: "alice", Host: "example.org"}),
		sipclient.WithVia("UDP", "10.0.0.1", 5060),
		sipclient.WithContact(sip.Uri{User: "alice", Host: "10.0.0.1", Port: 5060}),
	)
	return req
}

func newServerTx(t *testing.T, req *sip.Request) (*sip.ServerTx, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	tx := sip.NewServerTx("test-key", req, conn, zerolog.Nop())
	require.NoError(t, tx.Init())
	return tx, conn
}

func newController(t *testing.T) *Controller {
	t.Helper()
	st := store.New()
	timers := timerq.NewManager()
	t.Cleanup(timers.Close)
	return New(zerolog.Nop(), st, nil, timers)
}

func TestHandleInviteCreatesIIPAndTracksCancel(t *testing.T) {
	c := newController(t)
	req := newInviteRequest(t)
	tx, _ := newServerTx(t, req)

	iip, err := c.HandleInvite(req, tx, "leg-1", "client-1")
	require.NoError(t, err)
	assert.False(t, iip.Canceled)

	got, ok := c.store.IIPByLeg("leg-1")
	require.True(t, ok)
	assert.Same(t, iip, got)

	tx.Receive(newCancelFor(req))
	// OnCancel fires synchronously on the fsm goroutine invoked by Receive;
	// give it a moment to run.
	assert.Eventually(t, func() bool { return iip.Canceled }, time.Second, time.Millisecond)
}

func newCancelFor(req *sip.Request) *sip.Request {
	cancel := sipclient.NewRequest(sip.CANCEL, req.Recipient)
	return cancel
}

func TestRespondInviteProvisionalDoesNotPromote(t *testing.T) {
	c := newController(t)
	req := newInviteRequest(t)
	tx, conn := newServerTx(t, req)

	iip, err := c.HandleInvite(req, tx, "leg-1", "client-1")
	require.NoError(t, err)

	res := sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)
	res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "bob", Host: "10.0.0.2"}})
	require.NoError(t, c.RespondInvite(iip, tx, res))

	_, ok := c.store.DialogByID(iip.Dialog.ID)
	assert.False(t, ok, "provisional response must not promote to a dialog")
	assert.NotEmpty(t, conn.written)
}

func TestRespondInvite2xxPromotesDialog(t *testing.T) {
	c := newController(t)
	req := newInviteRequest(t)
	tx, _ := newServerTx(t, req)

	iip, err := c.HandleInvite(req, tx, "leg-1", "client-1")
	require.NoError(t, err)

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "bob", Host: "10.0.0.2"}})
	require.NoError(t, c.RespondInvite(iip, tx, res))

	d, ok := c.store.DialogByID(iip.Dialog.ID)
	require.True(t, ok)
	assert.Equal(t, sip.DialogStateEstablished, d.State())
}

func TestHandleAckPromotesToConfirmed(t *testing.T) {
	c := newController(t)
	req := newInviteRequest(t)
	tx, _ := newServerTx(t, req)

	iip, err := c.HandleInvite(req, tx, "leg-1", "client-1")
	require.NoError(t, err)

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "bob", Host: "10.0.0.2"}})
	require.NoError(t, c.RespondInvite(iip, tx, res))

	require.NoError(t, c.HandleAck(iip.Dialog.ID))
	d, _ := c.store.DialogByID(iip.Dialog.ID)
	assert.Equal(t, sip.DialogStateConfirmed, d.State())
}

func TestHandleAckUnknownDialog(t *testing.T) {
	c := newController(t)
	err := c.HandleAck("nonexistent")
	assert.ErrorIs(t, err, store.ErrNoSuchDialog)
}
