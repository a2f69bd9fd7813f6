package pendingreq

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drachtio/drachtio-go/internal/sipclient"
	"github.com/drachtio/drachtio-go/internal/timerq"
	"github.com/drachtio/drachtio-go/sip"
)

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

func newInvite(t *testing.T) *sip.Request {
	t.Helper()
	return sipclient.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "example.com"},
		sipclient.WithFrom("alice", sip.Uri{User: "alice", Host: "example.org"}),
		sipclient.WithVia("UDP", "10.0.0.1", 5060),
	)
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
	timers := timerq.NewManager()
	t.Cleanup(timers.Close)
	return New(zerolog.Nop(), timers)
}

func TestArriveParksAndDispatches(t *testing.T) {
	c := newController(t)
	req := newInvite(t)
	tx, _ := newServerTx(t, req)

	var dispatched *Request
	pr, err := c.Arrive(req, tx, func(r *Request) error {
		dispatched = r
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, pr)
	assert.Same(t, pr, dispatched)
	assert.NotEmpty(t, pr.TransactionID)
	assert.Equal(t, 1, c.Count())
}

func TestArriveNoDispatchReturnsErrNoClient(t *testing.T) {
	c := newController(t)
	req := newInvite(t)
	tx, _ := newServerTx(t, req)

	pr, err := c.Arrive(req, tx, nil)
	assert.Nil(t, pr)
	assert.ErrorIs(t, err, ErrNoClient)
	assert.Equal(t, 0, c.Count())
}

func TestArriveDispatchRefusalUnparksRequest(t *testing.T) {
	c := newController(t)
	req := newInvite(t)
	tx, _ := newServerTx(t, req)

	pr, err := c.Arrive(req, tx, func(r *Request) error { return assert.AnError })
	assert.Nil(t, pr)
	assert.ErrorIs(t, err, ErrNoClient)
	assert.Equal(t, 0, c.Count())
}

func TestArriveRetransmittedUnansweredInviteReemits100(t *testing.T) {
	c := newController(t)
	req := newInvite(t)
	tx, conn := newServerTx(t, req)

	_, err := c.Arrive(req, tx, func(r *Request) error { return nil })
	require.NoError(t, err)

	before := len(conn.written)
	_, err = c.Arrive(req, tx, func(r *Request) error { return nil })
	assert.ErrorIs(t, err, ErrRetransmission)
	assert.Equal(t, 1, c.Count(), "retransmission must not create a second parked entry")
	require.Greater(t, len(conn.written), before, "a 100 Trying must be re-emitted")

	res, ok := conn.written[len(conn.written)-1].(*sip.Response)
	require.True(t, ok)
	assert.Equal(t, sip.StatusTrying, res.StatusCode)
}

func TestArriveRetransmittedAfterDispositionIsSilentlyDropped(t *testing.T) {
	c := newController(t)
	req := newInvite(t)
	tx, conn := newServerTx(t, req)

	pr, err := c.Arrive(req, tx, func(r *Request) error { return nil })
	require.NoError(t, err)
	_, ok := c.FindAndRemove(pr.TransactionID)
	require.True(t, ok)

	before := len(conn.written)
	_, err = c.Arrive(req, tx, func(r *Request) error { return nil })
	assert.ErrorIs(t, err, ErrRetransmission)
	assert.Equal(t, before, len(conn.written), "an already-answered INVITE's retransmit must not re-emit anything")
}

func TestFindAndRemoveIsExactlyOnce(t *testing.T) {
	c := newController(t)
	req := newInvite(t)
	tx, _ := newServerTx(t, req)

	pr, err := c.Arrive(req, tx, func(r *Request) error { return nil })
	require.NoError(t, err)

	got, ok := c.FindAndRemove(pr.TransactionID)
	require.True(t, ok)
	assert.Same(t, pr, got)
	assert.Equal(t, 0, c.Count())

	_, ok = c.FindAndRemove(pr.TransactionID)
	assert.False(t, ok, "a transactionId must not be findable twice")
}

func TestFindAndRemoveUnknownTransactionID(t *testing.T) {
	c := newController(t)
	_, ok := c.FindAndRemove("nonexistent")
	assert.False(t, ok)
}

func TestCancelMarksParkedRequest(t *testing.T) {
	c := newController(t)
	req := newInvite(t)
	tx, _ := newServerTx(t, req)

	pr, err := c.Arrive(req, tx, func(r *Request) error { return nil })
	require.NoError(t, err)
	assert.False(t, pr.Canceled())

	cid, _ := req.CallID()
	via, _ := req.Via()
	branch, _ := via.Params.Get("branch")
	cseq, _ := req.CSeq()

	found, ok := c.Cancel(cid.Value(), cseq.SeqNo, branch)
	require.True(t, ok)
	assert.Same(t, pr, found)
	assert.True(t, pr.Canceled())
}

func TestCancelUnknownIsNoop(t *testing.T) {
	c := newController(t)
	_, ok := c.Cancel("no-such-call-id", 1, "z9hG4bK-nope")
	assert.False(t, ok)
}

func TestExpireFiresOnExpireAndRemovesEntry(t *testing.T) {
	c := newController(t)
	req := newInvite(t)
	tx, _ := newServerTx(t, req)

	expired := make(chan *Request, 1)
	c.OnExpire(func(r *Request) { expired <- r })

	pr, err := c.Arrive(req, tx, func(r *Request) error { return nil })
	require.NoError(t, err)

	pr.timer.Cancel()
	c.expire(pr)

	select {
	case got := <-expired:
		assert.Same(t, pr, got)
	case <-time.After(time.Second):
		t.Fatal("OnExpire callback was not invoked")
	}
	assert.Equal(t, 0, c.Count())

	_, ok := c.FindAndRemove(pr.TransactionID)
	assert.False(t, ok)
}
