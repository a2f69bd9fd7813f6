package appclient

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFrameRoundTrip(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("5#hello6#world!"))
	p1, err := readFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", p1)
	p2, err := readFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "world!", p2)
}

func TestReadFrameRejectsNonDigitLength(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("12x#oops"))
	_, err := readFrame(r)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameRejectsOverlongLength(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("123456#oops"))
	_, err := readFrame(r)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func newPipeClient(t *testing.T) (*Client, net.Conn) {
	t.Helper()
	server, peer := net.Pipe()
	t.Cleanup(func() { server.Close(); peer.Close() })
	return newClient(server, zerolog.Nop()), peer
}

func writeFrame(t *testing.T, conn net.Conn, payload string) {
	t.Helper()
	framed := strconv.Itoa(len(payload)) + "#" + payload
	_, err := conn.Write([]byte(framed))
	require.NoError(t, err)
}

func readPeerFrame(t *testing.T, conn net.Conn) string {
	t.Helper()
	r := bufio.NewReader(conn)
	payload, err := readFrame(r)
	require.NoError(t, err)
	return payload
}

func TestControllerRejectsUnauthenticatedCommand(t *testing.T) {
	ctl := New(zerolog.Nop(), "s3cret")
	c, peer := newPipeClient(t)

	go writeFrame(t, peer, "msg-1|route|INVITE")

	payload, err := readFrame(c.reader)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- ctl.dispatch(c, payload) }()

	resp := readPeerFrame(t, peer)
	assert.Contains(t, resp, "response|msg-1|NO")
	assert.ErrorIs(t, <-errCh, ErrUnauthenticated)
}

func TestControllerAuthenticateThenRoute(t *testing.T) {
	ctl := New(zerolog.Nop(), "s3cret")
	c, peer := newPipeClient(t)
	ctl.addClient(c)

	go writeFrame(t, peer, "msg-1|authenticate|s3cret,tagA")
	payload, err := readFrame(c.reader)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- ctl.dispatch(c, payload) }()
	resp := readPeerFrame(t, peer)
	require.NoError(t, <-errCh)
	assert.Contains(t, resp, "response|msg-1|OK")
	assert.True(t, c.Authenticated())
	assert.True(t, c.HasTag("tagA"))

	go writeFrame(t, peer, "msg-2|route|INVITE")
	payload, err = readFrame(c.reader)
	require.NoError(t, err)

	go func() { errCh <- ctl.dispatch(c, payload) }()
	resp = readPeerFrame(t, peer)
	require.NoError(t, <-errCh)
	assert.Contains(t, resp, "response|msg-2|OK")

	got, ok := ctl.SelectClientForVerb("invite")
	require.True(t, ok)
	assert.Same(t, c, got)
}

func TestSelectClientForVerbRoundRobinsAndReapsDisconnected(t *testing.T) {
	ctl := New(zerolog.Nop(), "s3cret")
	a, peerA := newPipeClient(t)
	b, peerB := newPipeClient(t)
	_ = peerA
	_ = peerB
	ctl.addClient(a)
	ctl.addClient(b)
	ctl.subscribers["invite"] = []*Client{a, b}

	first, ok := ctl.SelectClientForVerb("invite")
	require.True(t, ok)
	second, ok := ctl.SelectClientForVerb("invite")
	require.True(t, ok)
	assert.NotSame(t, first, second, "round robin must alternate")

	ctl.removeClient(a)
	third, ok := ctl.SelectClientForVerb("invite")
	require.True(t, ok)
	assert.Same(t, b, third, "a disconnected client must be reaped from the subscriber list")
}

func TestSelectClientForVerbEmptyReturnsFalse(t *testing.T) {
	ctl := New(zerolog.Nop(), "s3cret")
	_, ok := ctl.SelectClientForVerb("bye")
	assert.False(t, ok)
}

func TestSelectClientForTagMatchesOnlyTaggedClient(t *testing.T) {
	ctl := New(zerolog.Nop(), "s3cret")
	a, _ := newPipeClient(t)
	b, _ := newPipeClient(t)
	a.tags["billing"] = struct{}{}
	ctl.addClient(a)
	ctl.addClient(b)
	ctl.subscribers["invite"] = []*Client{a, b}

	got, ok := ctl.SelectClientForTag("billing")
	require.True(t, ok)
	assert.Same(t, a, got)

	_, ok = ctl.SelectClientForTag("nonexistent")
	assert.False(t, ok)
}

func TestRegisterNamedServiceAndRecoverPeer(t *testing.T) {
	ctl := New(zerolog.Nop(), "s3cret")
	a, _ := newPipeClient(t)
	b, _ := newPipeClient(t)
	ctl.addClient(a)
	ctl.addClient(b)
	ctl.RegisterNamedService(a, "billing-app")
	ctl.RegisterNamedService(b, "billing-app")

	ctl.removeClient(a)
	peer, ok := ctl.SelectNamedServicePeer("billing-app")
	require.True(t, ok)
	assert.Same(t, b, peer)
}

func TestSendResponseFrameShape(t *testing.T) {
	c, peer := newPipeClient(t)
	go func() {
		require.NoError(t, c.SendResponse("msg-7", true, "extra-data"))
	}()
	got := readPeerFrame(t, peer)
	assert.Contains(t, got, "response|msg-7|OK|extra-data")
}

func TestAuthenticateDeadlineClosesUnauthenticatedConnection(t *testing.T) {
	// Exercises the same teardown path handleConn relies on, at a much
	// shorter deadline than the real constant, to keep the test fast.
	server, peer := net.Pipe()
	defer peer.Close()
	c := newClient(server, zerolog.Nop())

	closed := make(chan struct{})
	timer := time.AfterFunc(20*time.Millisecond, func() {
		if !c.Authenticated() {
			server.Close()
			close(closed)
		}
	})
	defer timer.Stop()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("connection was not closed after the authenticate deadline")
	}
}
