package dnsresolver

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortByPriorityAscending(t *testing.T) {
	targets := []Target{
		{IP: net.ParseIP("1.1.1.1"), Priority: 20},
		{IP: net.ParseIP("2.2.2.2"), Priority: 10},
	}
	Sort(targets)
	assert.Equal(t, "2.2.2.2", targets[0].IP.String())
	assert.Equal(t, "1.1.1.1", targets[1].IP.String())
}

func TestSortByWeightDescendingWithinSamePriority(t *testing.T) {
	targets := []Target{
		{IP: net.ParseIP("1.1.1.1"), Priority: 10, Weight: 5},
		{IP: net.ParseIP("2.2.2.2"), Priority: 10, Weight: 50},
	}
	Sort(targets)
	assert.Equal(t, "2.2.2.2", targets[0].IP.String())
}

func TestSortSRVBeforeBareA(t *testing.T) {
	targets := []Target{
		{IP: net.ParseIP("1.1.1.1"), FromSRV: false},
		{IP: net.ParseIP("2.2.2.2"), FromSRV: true},
	}
	Sort(targets)
	assert.Equal(t, "2.2.2.2", targets[0].IP.String())
}

func TestSortTLSOverUDPOverTCP(t *testing.T) {
	targets := []Target{
		{IP: net.ParseIP("3.3.3.3"), FromSRV: true, Proto: ProtoTCP},
		{IP: net.ParseIP("1.1.1.1"), FromSRV: true, Proto: ProtoTLS},
		{IP: net.ParseIP("2.2.2.2"), FromSRV: true, Proto: ProtoUDP},
	}
	Sort(targets)
	assert.Equal(t, "1.1.1.1", targets[0].IP.String())
	assert.Equal(t, "2.2.2.2", targets[1].IP.String())
	assert.Equal(t, "3.3.3.3", targets[2].IP.String())
}

func TestSrvFamiliesForSIPWithNoExplicitTransportQueriesBoth(t *testing.T) {
	fams := srvFamiliesFor("sip", "")
	assert.Len(t, fams, 2)
}

func TestSrvFamiliesForSIPWithExplicitUDPQueriesOnlyUDP(t *testing.T) {
	fams := srvFamiliesFor("sip", "udp")
	assert.Len(t, fams, 1)
	assert.Equal(t, "udp", fams[0].transport)
}

func TestSrvFamiliesForSIPSOnlyQueriesTLS(t *testing.T) {
	fams := srvFamiliesFor("sips", "")
	assert.Len(t, fams, 1)
	assert.Equal(t, "tls", fams[0].transport)
}

func TestSrvFamiliesForSIPSWithConflictingExplicitTransportIsEmpty(t *testing.T) {
	fams := srvFamiliesFor("sips", "udp")
	assert.Empty(t, fams)
}

func TestDefaultProto(t *testing.T) {
	assert.Equal(t, ProtoTLS, defaultProto("sips", ""))
	assert.Equal(t, ProtoTCP, defaultProto("sip", "tcp"))
	assert.Equal(t, ProtoUDP, defaultProto("sip", ""))
}

func TestProtoStringer(t *testing.T) {
	assert.Equal(t, "udp", ProtoUDP.String())
	assert.Equal(t, "tcp", ProtoTCP.String())
	assert.Equal(t, "tls", ProtoTLS.String())
}
