// Package sipclient wraps the sip.TransportLayer / sip.TransactionLayer
// pair into the single engine-owned SIP endpoint every controller sends
// and receives through. It replaces the teacher's root-level ua.go and
// client.go: same construction shape (bind transports, resolve self-IP,
// build a transaction request with sane defaults), generalized from a
// single dialing user agent into a headers-complete request builder the
// dialog and proxy controllers call for every outbound message.
package sipclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/drachtio/drachtio-go/sip"
)

// Endpoint owns the process's transport and transaction layers.
type Endpoint struct {
	log zerolog.Logger

	tlsConfig *tls.Config

	Transport   *sip.TransportLayer
	Transaction *sip.TransactionLayer
}

type Option func(*Endpoint)

func WithTLSConfig(cfg *tls.Config) Option {
	return func(e *Endpoint) {
		e.tlsConfig = cfg
	}
}

func New(dnsResolver *net.Resolver, log zerolog.Logger, opts ...Option) *Endpoint {
	e := &Endpoint{log: log.With().Str("component", "sipclient").Logger()}
	for _, o := range opts {
		o(e)
	}
	parser := sip.NewParser()
	e.Transport = sip.NewTransportLayer(dnsResolver, parser, e.tlsConfig)
	e.Transaction = sip.NewTransactionLayer(e.Transport)
	return e
}

// ResolveSelfIP finds the best local IP for the given target network
// ("ip"/"ip4"/"ip6"), completing the migration the teacher's ua.go never
// finished (it called a sip.ResolveSelfIP that does not exist in sip/);
// this is sip/utils.go's ResolveInterfacesIP, stripped to just the IP.
func ResolveSelfIP(network string) (net.IP, error) {
	ip, _, err := sip.ResolveInterfacesIP(network, nil)
	if err != nil {
		return nil, fmt.Errorf("resolve self ip: %w", err)
	}
	return ip, nil
}

// NewRequest builds an outbound request with every mandatory header
// filled with sane defaults (Via/From/To/CSeq/Call-ID/Max-Forwards),
// grounded on the teacher's ClientRequestBuild/clientRequestBuildReq.
// Options replace individual defaults; every header listed above is
// always added.
func NewRequest(method sip.RequestMethod, recipient sip.Uri, opts ...RequestOption) *sip.Request {
	req := sip.NewRequest(method, recipient)
	cfg := &requestConfig{
		fromTag:   uuid.NewString()[:8],
		callID:    sip.CallID(uuid.NewString()),
		cseqNo:    1,
		maxFwd:    70,
		viaBranch: sip.GenerateBranch(),
	}
	for _, o := range opts {
		o(cfg)
	}

	from := &sip.FromHeader{
		DisplayName: cfg.fromDisplayName,
		Address:     cfg.fromURI,
		Params:      sip.NewParams(),
	}
	from.Params.Add("tag", cfg.fromTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{
		DisplayName: cfg.toDisplayName,
		Address:     recipient,
	}
	req.AppendHeader(to)

	callID := cfg.callID
	req.AppendHeader(&callID)

	req.AppendHeader(&sip.CSeq{SeqNo: cfg.cseqNo, MethodName: method})

	maxFwd := sip.MaxForwards(cfg.maxFwd)
	req.AppendHeader(&maxFwd)

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       cfg.viaTransport,
		Host:            cfg.viaHost,
		Port:            cfg.viaPort,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", cfg.viaBranch)
	if cfg.rport {
		via.Params.Add("rport", "")
	}
	req.AppendHeader(via)

	if cfg.contact != nil {
		req.AppendHeader(&sip.ContactHeader{Address: *cfg.contact})
	}

	return req
}

type requestConfig struct {
	fromDisplayName string
	fromURI         sip.Uri
	fromTag         string
	toDisplayName   string
	callID          sip.CallID
	cseqNo          uint32
	maxFwd          uint32
	viaTransport    string
	viaHost         string
	viaPort         int
	viaBranch       string
	rport           bool
	contact         *sip.Uri
}

type RequestOption func(*requestConfig)

func WithFrom(displayName string, u sip.Uri) RequestOption {
	return func(c *requestConfig) { c.fromDisplayName = displayName; c.fromURI = u }
}

func WithFromTag(tag string) RequestOption {
	return func(c *requestConfig) { c.fromTag = tag }
}

func WithTo(displayName string) RequestOption {
	return func(c *requestConfig) { c.toDisplayName = displayName }
}

func WithCallID(id sip.CallID) RequestOption {
	return func(c *requestConfig) { c.callID = id }
}

func WithCSeq(n uint32) RequestOption {
	return func(c *requestConfig) { c.cseqNo = n }
}

func WithMaxForwards(n uint32) RequestOption {
	return func(c *requestConfig) { c.maxFwd = n }
}

func WithVia(transport, host string, port int) RequestOption {
	return func(c *requestConfig) { c.viaTransport = transport; c.viaHost = host; c.viaPort = port }
}

func WithRport() RequestOption {
	return func(c *requestConfig) { c.rport = true }
}

func WithContact(u sip.Uri) RequestOption {
	return func(c *requestConfig) { c.contact = &u }
}

// Send issues req as a new client transaction and returns the resulting
// ClientTx for the caller to pump (dialogctl/proxyctl each read
// tx.Responses() on their own event loop per spec §9's single-threaded
// model).
func (e *Endpoint) Send(ctx context.Context, req *sip.Request) (*sip.ClientTx, error) {
	return e.Transaction.Request(ctx, req)
}

// Respond sends res as a new (or continuing) server transaction response.
func (e *Endpoint) Respond(res *sip.Response) (*sip.ServerTx, error) {
	return e.Transaction.Respond(res)
}

func (e *Endpoint) Close() {
	e.Transaction.Close()
}
