package httproute

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestPostRejectAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "INVITE", r.Header.Get("X-Sip-Verb"))
		w.Write([]byte(`{"action":"reject","data":{"status":486,"reason":"busy"}}`))
	}))
	defer srv.Close()

	req := New(zerolog.Nop(), 0)
	instr, err := req.Request(context.Background(), MethodPOST, srv.URL, "INVITE", "INVITE sip:bob@example.com SIP/2.0\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, ActionReject, instr.Action)
	assert.Equal(t, 486, instr.Reject.Status)
	assert.Equal(t, "busy", instr.Reject.Reason)
}

func TestRequestGetEncodesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "INVITE", r.URL.Query().Get("verb"))
		w.Write([]byte(`{"action":"redirect","data":{"contact":"sip:bob@10.0.0.2"}}`))
	}))
	defer srv.Close()

	req := New(zerolog.Nop(), 0)
	instr, err := req.Request(context.Background(), MethodGET, srv.URL, "INVITE", "INVITE sip:bob@example.com SIP/2.0\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, ActionRedirect, instr.Action)
	assert.Equal(t, []string{"sip:bob@10.0.0.2"}, instr.Redirect.Contacts)
}

func TestRequestRedirectMultipleContacts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"action":"redirect","data":{"contact":["sip:a@1.1.1.1","sip:b@2.2.2.2"]}}`))
	}))
	defer srv.Close()

	req := New(zerolog.Nop(), 0)
	instr, err := req.Request(context.Background(), MethodPOST, srv.URL, "INVITE", "raw")
	require.NoError(t, err)
	assert.Equal(t, []string{"sip:a@1.1.1.1", "sip:b@2.2.2.2"}, instr.Redirect.Contacts)
}

func TestRequestProxyAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"action":"proxy","data":{"recordRoute":true,"followRedirects":true,"simultaneous":false,"provisionalTimeout":5000,"finalTimeout":60000,"destination":["sip:a@1.1.1.1","sip:b@2.2.2.2"]}}`))
	}))
	defer srv.Close()

	req := New(zerolog.Nop(), 0)
	instr, err := req.Request(context.Background(), MethodPOST, srv.URL, "INVITE", "raw")
	require.NoError(t, err)
	assert.Equal(t, ActionProxy, instr.Action)
	assert.True(t, instr.Proxy.RecordRoute)
	assert.True(t, instr.Proxy.FollowRedirects)
	assert.Equal(t, 5*time.Second, instr.Proxy.ProvisionalTimeout)
	assert.Equal(t, 60*time.Second, instr.Proxy.FinalTimeout)
	assert.Equal(t, []string{"sip:a@1.1.1.1", "sip:b@2.2.2.2"}, instr.Proxy.Destinations)
}

func TestRequestRouteByTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"action":"route","data":{"tag":"billing"}}`))
	}))
	defer srv.Close()

	req := New(zerolog.Nop(), 0)
	instr, err := req.Request(context.Background(), MethodPOST, srv.URL, "INVITE", "raw")
	require.NoError(t, err)
	assert.Equal(t, ActionRoute, instr.Action)
	assert.Equal(t, "billing", instr.Route.Tag)
}

func TestRequestNon2xxProducesErrRouteFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	req := New(zerolog.Nop(), 0)
	_, err := req.Request(context.Background(), MethodPOST, srv.URL, "INVITE", "raw")
	require.Error(t, err)
	var routeErr *ErrRouteFailed
	assert.ErrorAs(t, err, &routeErr)
}

func TestRequestMalformedJSONProducesErrRouteFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	req := New(zerolog.Nop(), 0)
	_, err := req.Request(context.Background(), MethodPOST, srv.URL, "INVITE", "raw")
	require.Error(t, err)
	var routeErr *ErrRouteFailed
	assert.ErrorAs(t, err, &routeErr)
}

func TestIsOutboundPeerURI(t *testing.T) {
	assert.True(t, IsOutboundPeerURI("tcp://10.0.0.1:5060"))
	assert.True(t, IsOutboundPeerURI("tls://10.0.0.1:5061"))
	assert.False(t, IsOutboundPeerURI("udp://10.0.0.1:5060"))
	assert.False(t, IsOutboundPeerURI("http://example.com/route"))
}

func TestRejectDefaultStatusWhenOmitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"action":"reject","data":{}}`))
	}))
	defer srv.Close()

	req := New(zerolog.Nop(), 0)
	instr, err := req.Request(context.Background(), MethodPOST, srv.URL, "INVITE", "raw")
	require.NoError(t, err)
	assert.Equal(t, 480, instr.Reject.Status)
}
