package proxyctl

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drachtio/drachtio-go/internal/transportset"
	"github.com/drachtio/drachtio-go/sip"
)

func newTable(t *testing.T) *transportset.Table {
	t.Helper()
	table := transportset.NewTable(zerolog.Nop())
	_, err := table.Add(transportset.Contact{Protocol: transportset.ProtoUDP, Host: "10.0.0.1", Port: 5060})
	require.NoError(t, err)
	return table
}

func newCoreForTest(t *testing.T, targets []sip.Uri) *Core {
	t.Helper()
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "example.com"})
	return &Core{
		log:        zerolog.Nop(),
		table:      newTable(t),
		inboundReq: req,
		targets:    append([]sip.Uri(nil), targets...),
		searching:  true,
		creds:      make(map[string]Credentials),
		challenges: make(map[string]challenge),
		done:       make(chan struct{}),
	}
}

func TestIsTerminatingFinal(t *testing.T) {
	assert.True(t, isTerminatingFinal(sip.StatusOK))
	assert.True(t, isTerminatingFinal(sip.StatusBusyHere))
	assert.True(t, isTerminatingFinal(sip.StatusDecline))
	assert.False(t, isTerminatingFinal(sip.StatusNotFound))
	assert.False(t, isTerminatingFinal(sip.StatusTemporarilyUnavailable))
}

func TestSpliceRedirectTargetsInsertsAfterCursor(t *testing.T) {
	t1 := sip.Uri{User: "a", Host: "one.example.com"}
	t2 := sip.Uri{User: "b", Host: "two.example.com"}
	t3 := sip.Uri{User: "c", Host: "three.example.com"}
	core := newCoreForTest(t, []sip.Uri{t1, t2, t3})
	core.cursor = 0

	redirect := sip.NewResponse(sip.StatusMovedTemporarily, "Moved Temporarily")
	redirect.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "new1", Host: "new1.example.com"}})
	redirect.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "new2", Host: "new2.example.com"}})

	core.spliceRedirectTargets(redirect)

	require.Len(t, core.targets, 5)
	assert.Equal(t, "one.example.com", core.targets[0].Host)
	assert.Equal(t, "new1.example.com", core.targets[1].Host)
	assert.Equal(t, "new2.example.com", core.targets[2].Host)
	assert.Equal(t, "two.example.com", core.targets[3].Host)
	assert.Equal(t, "three.example.com", core.targets[4].Host)
}

func TestSpliceRedirectTargetsNoContactsIsNoop(t *testing.T) {
	core := newCoreForTest(t, []sip.Uri{{Host: "one.example.com"}})
	redirect := sip.NewResponse(sip.StatusMovedTemporarily, "Moved Temporarily")
	core.spliceRedirectTargets(redirect)
	assert.Len(t, core.targets, 1)
}

func TestRecordBestEffortKeepsLowestStatus(t *testing.T) {
	core := newCoreForTest(t, []sip.Uri{{Host: "one.example.com"}})
	req := sip.NewRequest(sip.INVITE, sip.Uri{Host: "example.com"})

	res480 := sip.NewResponseFromRequest(req, sip.StatusTemporarilyUnavailable, "Temporarily Unavailable", nil)
	core.recordBestEffort(res480)
	require.NotNil(t, core.bestResponse)
	assert.Equal(t, sip.StatusTemporarilyUnavailable, core.bestResponse.StatusCode)

	res404 := sip.NewResponseFromRequest(req, sip.StatusNotFound, "Not Found", nil)
	core.recordBestEffort(res404)
	assert.Equal(t, sip.StatusNotFound, core.bestResponse.StatusCode)

	res500 := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Internal Server Error", nil)
	core.recordBestEffort(res500)
	assert.Equal(t, sip.StatusNotFound, core.bestResponse.StatusCode, "a higher status code must not replace a lower best-so-far")
}

func TestBuildBranchRequestSetsFreshBranchPerTarget(t *testing.T) {
	core := newCoreForTest(t, nil)
	core.inboundReq.AppendHeader(&sip.FromHeader{Address: sip.Uri{User: "alice", Host: "example.org"}, Params: sip.NewParams()})

	target := sip.Uri{User: "bob", Host: "203.0.113.5", Port: 5060}
	reqA := core.buildBranchRequest(target)
	reqB := core.buildBranchRequest(target)

	viaA, okA := reqA.Via()
	viaB, okB := reqB.Via()
	require.True(t, okA)
	require.True(t, okB)
	branchA, _ := viaA.Params.Get("branch")
	branchB, _ := viaB.Params.Get("branch")
	assert.NotEqual(t, branchA, branchB, "every branch must carry a fresh branch token")
	assert.Equal(t, "203.0.113.5", reqA.Recipient.Host)
}

func TestBuildBranchRequestAddsRecordRouteWhenPolicySet(t *testing.T) {
	core := newCoreForTest(t, nil)
	core.policy.RecordRoute = true

	req := core.buildBranchRequest(sip.Uri{Host: "203.0.113.5"})
	rr := req.GetHeader("Record-Route")
	require.NotNil(t, rr)
}

func TestBranchStateStringer(t *testing.T) {
	assert.Equal(t, "calling", BranchCalling.String())
	assert.Equal(t, "proceeding", BranchProceeding.String())
	assert.Equal(t, "completed", BranchCompleted.String())
	assert.Equal(t, "terminated", BranchTerminated.String())
	assert.Equal(t, "not_started", BranchNotStarted.String())
}
