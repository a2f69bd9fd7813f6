// Package dnsresolver implements the auxiliary DNS sub-resolver (spec
// §4.10): SRV-then-A resolution of sip:/sips: URIs. Resolve runs the
// lookups on the caller's goroutine and blocks until they finish; the
// package keeps no poll loop or goroutine of its own.
//
// Grounded on sip/transport_layer.go's resolveAddr/resolveAddrSRV/
// resolveAddrIP trio (same SRV-falls-back-to-A shape, same *net.Resolver
// seam for test injection) and enriched with golang.org/x/sync/singleflight
// so concurrent lookups for the same host collapse into one in-flight
// query, per the rest of the pack's use of that package for request
// coalescing.
package dnsresolver

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/rs/zerolog"
)

// Proto names the transport family a resolved target was reached over,
// used for the tls > udp > tcp tiebreak in Sort.
type Proto int

const (
	ProtoUDP Proto = iota
	ProtoTCP
	ProtoTLS
)

func (p Proto) String() string {
	switch p {
	case ProtoUDP:
		return "udp"
	case ProtoTCP:
		return "tcp"
	case ProtoTLS:
		return "tls"
	default:
		return "unknown"
	}
}

// Target is one resolved destination: an IP/port plus the metadata needed
// to sort competing SRV answers (spec §4.10 "sorted by: priority asc,
// weight desc, SRV over A, tls > udp > tcp").
type Target struct {
	IP       net.IP
	Port     int
	Priority uint16
	Weight   uint16
	FromSRV  bool
	Proto    Proto
}

// Resolver is the DNS sub-resolver. It is safe for concurrent use; the
// singleflight group ensures a burst of lookups for the same key (scheme,
// host, explicit transport) shares one set of actual queries.
type Resolver struct {
	log   zerolog.Logger
	res   *net.Resolver
	group singleflight.Group
}

// New builds a Resolver using the given *net.Resolver (pass nil for
// net.DefaultResolver; a custom one is how tests and callers that need a
// specific nameserver inject their own).
func New(log zerolog.Logger, res *net.Resolver) *Resolver {
	if res == nil {
		res = net.DefaultResolver
	}
	return &Resolver{log: log, res: res}
}

// Resolve looks up the SRV/A records for host per spec §4.10's scheme and
// explicit-transport rules, and returns the best target after sorting.
// scheme is "sip" or "sips"; explicitTransport is the URI's ;transport=
// parameter, or "" if none was given.
func (r *Resolver) Resolve(ctx context.Context, scheme, host, explicitTransport string) (Target, error) {
	key := scheme + "|" + host + "|" + strings.ToLower(explicitTransport)
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.resolve(ctx, scheme, host, explicitTransport)
	})
	if err != nil {
		return Target{}, err
	}
	return v.(Target), nil
}

func (r *Resolver) resolve(ctx context.Context, scheme, host, explicitTransport string) (Target, error) {
	families := srvFamiliesFor(scheme, explicitTransport)
	if len(families) == 0 {
		return Target{}, fmt.Errorf("dnsresolver: unsupported scheme %q", scheme)
	}

	var all []Target
	for _, fam := range families {
		targets, err := r.lookupSRV(ctx, fam.service, fam.proto, host, fam.transport)
		if err != nil {
			r.log.Debug().Err(err).Str("host", host).Str("service", fam.service).Msg("SRV lookup failed")
			continue
		}
		all = append(all, targets...)
	}

	if len(all) == 0 {
		ip, err := r.lookupA(ctx, host)
		if err != nil {
			return Target{}, fmt.Errorf("dnsresolver: resolving %q: %w", host, err)
		}
		return Target{IP: ip, FromSRV: false, Proto: defaultProto(scheme, explicitTransport)}, nil
	}

	Sort(all)
	return all[0], nil
}

type srvFamily struct {
	service   string
	proto     string
	transport string
}

// srvFamiliesFor returns the SRV service names to query for scheme/
// explicitTransport (spec §4.10: sip -> _sip._udp and _sip._tcp; sips ->
// _sips._tls; an explicit transport parameter narrows to just that one).
func srvFamiliesFor(scheme, explicitTransport string) []srvFamily {
	explicitTransport = strings.ToLower(explicitTransport)
	if scheme == "sips" {
		if explicitTransport != "" && explicitTransport != "tls" {
			return nil
		}
		return []srvFamily{{service: "sips", proto: "tls", transport: "tls"}}
	}

	switch explicitTransport {
	case "udp":
		return []srvFamily{{service: "sip", proto: "udp", transport: "udp"}}
	case "tcp":
		return []srvFamily{{service: "sip", proto: "tcp", transport: "tcp"}}
	case "":
		return []srvFamily{
			{service: "sip", proto: "udp", transport: "udp"},
			{service: "sip", proto: "tcp", transport: "tcp"},
		}
	default:
		return nil
	}
}

func defaultProto(scheme, explicitTransport string) Proto {
	switch {
	case scheme == "sips":
		return ProtoTLS
	case strings.ToLower(explicitTransport) == "tcp":
		return ProtoTCP
	default:
		return ProtoUDP
	}
}

func (r *Resolver) lookupSRV(ctx context.Context, service, proto, host, transport string) ([]Target, error) {
	_, addrs, err := r.res.LookupSRV(ctx, service, proto, host)
	if err != nil {
		return nil, err
	}

	var protoVal Proto
	switch transport {
	case "tcp":
		protoVal = ProtoTCP
	case "tls":
		protoVal = ProtoTLS
	default:
		protoVal = ProtoUDP
	}

	var out []Target
	for _, rec := range addrs {
		ips, err := r.res.LookupIPAddr(ctx, strings.TrimSuffix(rec.Target, "."))
		if err != nil {
			r.log.Debug().Err(err).Str("target", rec.Target).Msg("SRV target A lookup failed")
			continue
		}
		for _, ip := range ips {
			out = append(out, Target{
				IP:       ip.IP,
				Port:     int(rec.Port),
				Priority: rec.Priority,
				Weight:   rec.Weight,
				FromSRV:  true,
				Proto:    protoVal,
			})
		}
	}
	return out, nil
}

func (r *Resolver) lookupA(ctx context.Context, host string) (net.IP, error) {
	ips, err := r.res.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no A/AAAA records for %q", host)
	}
	return ips[0].IP, nil
}

// Sort orders targets per spec §4.10: priority ascending, weight
// descending, SRV results before bare-A results, then tls > udp > tcp.
func Sort(targets []Target) {
	sort.SliceStable(targets, func(i, j int) bool {
		a, b := targets[i], targets[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		if a.FromSRV != b.FromSRV {
			return a.FromSRV
		}
		return protoRank(a.Proto) < protoRank(b.Proto)
	})
}

func protoRank(p Proto) int {
	switch p {
	case ProtoTLS:
		return 0
	case ProtoUDP:
		return 1
	default:
		return 2
	}
}
