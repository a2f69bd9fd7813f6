package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIIPLifecycleAndPromotion(t *testing.T) {
	s := New()

	iip := &IIP{Leg: "leg-1", Role: RoleUAS, TransactionID: "tx-1"}
	s.AddIIP(iip)

	got, ok := s.IIPByTransactionID("tx-1")
	require.True(t, ok)
	assert.Same(t, iip, got)

	got, ok = s.IIPByLeg("leg-1")
	require.True(t, ok)
	assert.Same(t, iip, got)

	d := &Dialog{ID: "call-1;from-tag=abc", Leg: "leg-1"}
	require.True(t, s.PromoteDialog(iip, d))

	_, ok = s.IIPByTransactionID("tx-1")
	assert.False(t, ok, "IIP index must be cleared on promotion")

	gotD, ok := s.DialogByID("call-1;from-tag=abc")
	require.True(t, ok)
	assert.Same(t, d, gotD)

	gotD, ok = s.DialogByLeg("leg-1")
	require.True(t, ok)
	assert.Same(t, d, gotD)
}

func TestPromoteDialogRejectsDuplicateID(t *testing.T) {
	s := New()

	d1 := &Dialog{ID: "dup", Leg: "leg-1"}
	iip1 := &IIP{Leg: "leg-1", TransactionID: "tx-1"}
	s.AddIIP(iip1)
	require.True(t, s.PromoteDialog(iip1, d1))

	d2 := &Dialog{ID: "dup", Leg: "leg-2"}
	iip2 := &IIP{Leg: "leg-2", TransactionID: "tx-2"}
	s.AddIIP(iip2)
	assert.False(t, s.PromoteDialog(iip2, d2), "duplicate dialogId must be rejected")
}

func TestReliableHandleReindex(t *testing.T) {
	s := New()
	iip := &IIP{Leg: "leg-1", TransactionID: "tx-1"}
	s.AddIIP(iip)

	s.SetReliableHandle(iip, "rack-1")
	got, ok := s.IIPByReliableHandle("rack-1")
	require.True(t, ok)
	assert.Same(t, iip, got)

	s.SetReliableHandle(iip, "rack-2")
	_, ok = s.IIPByReliableHandle("rack-1")
	assert.False(t, ok)
	got, ok = s.IIPByReliableHandle("rack-2")
	require.True(t, ok)
	assert.Same(t, iip, got)
}

func TestRIPLifecycle(t *testing.T) {
	s := New()
	r := &RIP{TransactionID: "tx-9", ClientMsgID: "msg-9"}
	s.AddRIP(r)

	got, ok := s.RIPByTransactionID("tx-9")
	require.True(t, ok)
	assert.Same(t, r, got)

	s.RemoveRIP("tx-9")
	_, ok = s.RIPByTransactionID("tx-9")
	assert.False(t, ok)
}

func TestDialogRemoval(t *testing.T) {
	s := New()
	iip := &IIP{Leg: "leg-1", TransactionID: "tx-1"}
	s.AddIIP(iip)
	d := &Dialog{ID: "call-1", Leg: "leg-1"}
	require.True(t, s.PromoteDialog(iip, d))

	s.RemoveDialog(d)
	_, ok := s.DialogByID("call-1")
	assert.False(t, ok)
	_, ok = s.DialogByLeg("leg-1")
	assert.False(t, ok)
}

func TestCounts(t *testing.T) {
	s := New()
	s.AddIIP(&IIP{Leg: "leg-1", TransactionID: "tx-1"})
	s.AddRIP(&RIP{TransactionID: "tx-2"})

	c := s.Counts()
	assert.Equal(t, 1, c.IIPs)
	assert.Equal(t, 1, c.RIPs)
	assert.Equal(t, 0, c.Dialogs)
}
