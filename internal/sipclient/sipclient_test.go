package sipclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drachtio/drachtio-go/sip"
)

func TestNewRequestFillsMandatoryHeaders(t *testing.T) {
	recipient := sip.Uri{User: "bob", Host: "example.com", Port: 5060}
	req := NewRequest(sip.INVITE, recipient,
		WithFrom("alice", sip.Uri{User: "alice", Host: "example.org"}),
		WithVia("UDP", "10.0.0.1", 5060),
	)

	from, ok := req.From()
	require.True(t, ok)
	assert.Equal(t, "alice", from.DisplayName)
	_, hasTag := from.Params.Get("tag")
	assert.True(t, hasTag)

	to, ok := req.To()
	require.True(t, ok)
	assert.Equal(t, "bob", to.Address.User)

	callID, ok := req.CallID()
	require.True(t, ok)
	assert.NotEmpty(t, string(*callID))

	cseq, ok := req.CSeq()
	require.True(t, ok)
	assert.Equal(t, uint32(1), cseq.SeqNo)
	assert.Equal(t, sip.INVITE, cseq.MethodName)

	via, ok := req.Via()
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", via.Host)
	branch, hasBranch := via.Params.Get("branch")
	assert.True(t, hasBranch)
	assert.Contains(t, branch, sip.RFC3261BranchMagicCookie)
}

func TestNewRequestCustomCallIDAndCSeq(t *testing.T) {
	recipient := sip.Uri{User: "bob", Host: "example.com"}
	req := NewRequest(sip.BYE, recipient,
		WithCallID(sip.CallID("fixed-call-id")),
		WithCSeq(42),
	)

	callID, ok := req.CallID()
	require.True(t, ok)
	assert.Equal(t, sip.CallID("fixed-call-id"), *callID)

	cseq, ok := req.CSeq()
	require.True(t, ok)
	assert.Equal(t, uint32(42), cseq.SeqNo)
	assert.Equal(t, sip.BYE, cseq.MethodName)
}
