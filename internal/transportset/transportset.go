// Package transportset implements the engine's multi-homed transport table
// (spec §4.1). Each configured contact binds a listening endpoint on the
// shared sip.TransportLayer and carries its own externalIp / localNet
// NAT-rewrite rule. selectForPeer and contactUriFor are the two operations
// the dialog and proxy controllers call on every outbound message.
package transportset

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/drachtio/drachtio-go/sip"
)

// Protocol is one of the transports the table can bind.
type Protocol string

const (
	ProtoUDP Protocol = "udp"
	ProtoTCP Protocol = "tcp"
	ProtoTLS Protocol = "tls"
)

// Contact describes one configured listening endpoint before it is bound.
type Contact struct {
	Protocol   Protocol
	Host       string // bind host, IPv4 or IPv6
	Port       int
	ExternalIP string   // optional, §4.1
	LocalNet   *net.IPNet // optional CIDR; derived at bind time when empty
}

// Transport is a bound listening endpoint, derived from a Contact.
type Transport struct {
	Protocol   Protocol
	Host       string
	Port       int
	ExternalIP string
	LocalNet   *net.IPNet
}

func (t *Transport) HostPort() string {
	return net.JoinHostPort(t.Host, fmt.Sprintf("%d", t.Port))
}

func (t *Transport) hasExternalIP() bool {
	return t.ExternalIP != ""
}

func (t *Transport) isLoopback() bool {
	ip := net.ParseIP(t.Host)
	return ip != nil && ip.IsLoopback()
}

// Table is the set of all bound transports for the process's lifetime
// (spec §3 "Endpoints live for the life of the process").
type Table struct {
	log zerolog.Logger

	mu         sync.RWMutex
	transports []*Transport // first-configured is the "master"
	names      map[string]struct{} // bind host / external IP / registered DNS names, for isLocalAddress
}

func NewTable(log zerolog.Logger) *Table {
	return &Table{
		log:   log.With().Str("component", "transportset").Logger(),
		names: make(map[string]struct{}),
	}
}

// Add derives a Transport from a Contact (deriving LocalNet from the bind
// address when not provided: private ranges map to their canonical CIDR,
// loopback maps to /32) and registers it in the table.
func (t *Table) Add(c Contact) (*Transport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	localNet := c.LocalNet
	if localNet == nil {
		localNet = deriveLocalNet(c.Host)
	}

	tr := &Transport{
		Protocol:   c.Protocol,
		Host:       c.Host,
		Port:       c.Port,
		ExternalIP: c.ExternalIP,
		LocalNet:   localNet,
	}
	t.transports = append(t.transports, tr)
	t.names[c.Host] = struct{}{}
	if c.ExternalIP != "" {
		t.names[c.ExternalIP] = struct{}{}
	}

	t.log.Info().
		Str("protocol", string(tr.Protocol)).
		Str("host", tr.Host).
		Int("port", tr.Port).
		Str("externalIp", tr.ExternalIP).
		Msg("transport bound")

	return tr, nil
}

// deriveLocalNet maps a bind address to its canonical CIDR per RFC 1918 /
// loopback conventions when the operator did not configure one explicitly.
func deriveLocalNet(host string) *net.IPNet {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	if ip.IsLoopback() {
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		_, n, _ := net.ParseCIDR(fmt.Sprintf("%s/%d", ip.String(), bits))
		return n
	}
	for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"} {
		_, n, _ := net.ParseCIDR(cidr)
		if n.Contains(ip) {
			return n
		}
	}
	return nil
}

// RegisterName adds an additional DNS name this process is known by, for
// isLocalAddress.
func (t *Table) RegisterName(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.names[name] = struct{}{}
}

// SelectForPeer returns the best transport for a given peer host, by the
// strict priority order in spec §4.1: (1) subnet match on localNet ranks
// above (2) longest dot-decimal octet match, which ranks above (3) has
// externalIp, which ranks above (4) not loopback — each criterion only
// breaks ties left by the one before it, never added together. Ties at
// every position break toward the first-configured transport.
// preferredProto, if non-empty, restricts the candidate set to that
// protocol family first; if nothing survives that filter the master
// (first-configured) transport is returned.
func (t *Table) SelectForPeer(peerHost string, preferredProto Protocol) *Transport {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.transports) == 0 {
		return nil
	}

	candidates := t.transports
	if preferredProto != "" {
		var filtered []*Transport
		for _, tr := range t.transports {
			if tr.Protocol == preferredProto {
				filtered = append(filtered, tr)
			}
		}
		if len(filtered) == 0 {
			return t.transports[0]
		}
		candidates = filtered
	}

	peerIP := net.ParseIP(peerHost)

	var best *Transport
	var bestKey [4]int
	for _, tr := range candidates {
		key := selectionKey(tr, peerIP, peerHost)
		if best == nil || rankHigher(key, bestKey) {
			best = tr
			bestKey = key
		}
	}
	if best != nil {
		return best
	}
	return t.transports[0]
}

// selectionKey scores tr against spec §4.1's four ordered criteria, one
// slot per criterion so they compare lexicographically instead of summing
// into a single additive score.
func selectionKey(tr *Transport, peerIP net.IP, peerHost string) [4]int {
	var key [4]int
	if peerIP != nil && tr.LocalNet != nil && tr.LocalNet.Contains(peerIP) {
		key[0] = 1
	}
	key[1] = longestOctetMatch(tr.Host, peerHost)
	if tr.hasExternalIP() {
		key[2] = 1
	}
	if !tr.isLoopback() {
		key[3] = 1
	}
	return key
}

// rankHigher reports whether a strictly outranks b: the first differing
// position wins. Equal keys return false so the incumbent (first
// encountered, i.e. first-configured) is kept on a tie.
func rankHigher(a, b [4]int) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

// longestOctetMatch counts matching leading dot-decimal octets between two
// IPv4 dotted-quad strings; non-IPv4 or malformed input yields 0.
func longestOctetMatch(a, b string) int {
	if net.ParseIP(a).To4() == nil || net.ParseIP(b).To4() == nil {
		return 0
	}
	pa := strings.Split(a, ".")
	pb := strings.Split(b, ".")
	n := 0
	for i := 0; i < len(pa) && i < len(pb); i++ {
		if pa[i] != pb[i] {
			break
		}
		n++
	}
	return n
}

// ContactURIFor returns the Contact: URI the engine should advertise to a
// given peer over a given transport, per spec §4.1: use the external IP
// only when the transport has one AND the peer is not inside localNet.
func (t *Table) ContactURIFor(tr *Transport, peerHost string) sip.Uri {
	host := tr.Host
	if tr.hasExternalIP() {
		peerIP := net.ParseIP(peerHost)
		inLocalNet := peerIP != nil && tr.LocalNet != nil && tr.LocalNet.Contains(peerIP)
		if !inLocalNet {
			host = tr.ExternalIP
		}
	}
	return sip.Uri{
		Host: host,
		Port: tr.Port,
	}
}

// IsLocalAddress reports whether host matches any configured transport's
// bind address, external IP, or registered DNS name (spec §4.1).
func (t *Table) IsLocalAddress(host string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.names[host]
	if ok {
		return true
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		for _, tr := range t.transports {
			if a, err := netip.ParseAddr(tr.Host); err == nil && a == addr {
				return true
			}
			if tr.ExternalIP != "" {
				if a, err := netip.ParseAddr(tr.ExternalIP); err == nil && a == addr {
					return true
				}
			}
		}
	}
	return false
}

// Master returns the first-configured transport, used as the fallback
// default when selection criteria eliminate every candidate.
func (t *Table) Master() *Transport {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.transports) == 0 {
		return nil
	}
	return t.transports[0]
}

// All returns a snapshot of every bound transport.
func (t *Table) All() []*Transport {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Transport, len(t.transports))
	copy(out, t.transports)
	return out
}
