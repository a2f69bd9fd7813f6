// Package httproute implements the HTTP route requester (spec §4.9): for
// a pending SIP request with an HTTP route configured, it issues a GET or
// POST carrying the raw request and turns the JSON reply into one of
// reject/redirect/proxy/route.
//
// Grounded on the teacher's plain net/http.Client usage pattern seen
// across the retrieval pack (e.g. flowpbx-flowpbx/internal/pushgw/apns.go's
// APNsSender: one shared *http.Client, typed request/response structs,
// encoding/json, no third-party HTTP client library) — the corpus reaches
// for net/http directly for outbound calls rather than a wrapper library,
// so this package does the same.
package httproute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// defaultTimeout bounds a single route request when New is given no
// timeout; the spec leaves the exact figure unstated. It is independent
// of the pending-request client-response timer.
const defaultTimeout = 5 * time.Second

// Method picks GET-with-query-data or POST-with-body encoding of the
// verbatim SIP request (spec §4.9 "constructs a GET or POST request").
type Method string

const (
	MethodGET  Method = http.MethodGet
	MethodPOST Method = http.MethodPost
)

// Action is the decision a route response carries.
type Action string

const (
	ActionReject   Action = "reject"
	ActionRedirect Action = "redirect"
	ActionProxy    Action = "proxy"
	ActionRoute    Action = "route"
)

// instruction is the raw JSON envelope returned by the route URL.
type instruction struct {
	Action Action          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// RejectData is Action.Data for ActionReject.
type RejectData struct {
	Status int    `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// RedirectData is Action.Data for ActionRedirect. Contact may be a single
// string or an array in the wire JSON; Contacts is always normalized to a
// slice after decoding.
type RedirectData struct {
	Contacts []string
}

// ProxyData is Action.Data for ActionProxy.
type ProxyData struct {
	RecordRoute        bool     `json:"recordRoute"`
	FollowRedirects     bool     `json:"followRedirects"`
	Simultaneous       bool     `json:"simultaneous"`
	ProvisionalTimeout time.Duration `json:"provisionalTimeout"`
	FinalTimeout       time.Duration `json:"finalTimeout"`
	Destinations       []string `json:"-"`
}

// RouteData is Action.Data for ActionRoute: either a peer URI to connect
// out to, or a tag naming an already-connected client.
type RouteData struct {
	URI string `json:"uri,omitempty"`
	Tag string `json:"tag,omitempty"`
}

// Instruction is the decoded, normalized result of a route request.
type Instruction struct {
	Action   Action
	Reject   RejectData
	Redirect RedirectData
	Proxy    ProxyData
	Route    RouteData
}

// ErrRouteFailed wraps any non-2xx HTTP response or JSON decode failure;
// per spec §4.9 "any parse error or non-2xx HTTP response produces a 500
// upstream", callers translate this into a 500 rather than inspecting it.
type ErrRouteFailed struct {
	Cause error
}

func (e *ErrRouteFailed) Error() string { return "httproute: " + e.Cause.Error() }
func (e *ErrRouteFailed) Unwrap() error { return e.Cause }

// Requester is a single-threaded-equivalent HTTP client with one shared
// *http.Client (connection pooling stands in for the teacher's cache of
// reusable easy-handles).
type Requester struct {
	log     zerolog.Logger
	client  *http.Client
}

// New builds a Requester. timeout of 0 uses defaultTimeout.
func New(log zerolog.Logger, timeout time.Duration) *Requester {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Requester{
		log:    log,
		client: &http.Client{Timeout: timeout},
	}
}

// Request issues the configured route call for a raw SIP request body
// (spec §4.9 "the SIP request encoded in the body or as query data,
// verbatim") and decodes the instruction.
func (r *Requester) Request(ctx context.Context, method Method, routeURL string, verb string, rawSIP string) (*Instruction, error) {
	var req *http.Request
	var err error

	switch method {
	case MethodGET:
		u, perr := url.Parse(routeURL)
		if perr != nil {
			return nil, &ErrRouteFailed{Cause: perr}
		}
		q := u.Query()
		q.Set("verb", verb)
		q.Set("sip", rawSIP)
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	default:
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, routeURL, bytes.NewBufferString(rawSIP))
		if req != nil {
			req.Header.Set("Content-Type", "text/plain")
			req.Header.Set("X-Sip-Verb", verb)
		}
	}
	if err != nil {
		return nil, &ErrRouteFailed{Cause: err}
	}

	res, err := r.client.Do(req)
	if err != nil {
		return nil, &ErrRouteFailed{Cause: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &ErrRouteFailed{Cause: err}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &ErrRouteFailed{Cause: fmt.Errorf("route %s returned status %d", routeURL, res.StatusCode)}
	}

	return decodeInstruction(body)
}

func decodeInstruction(body []byte) (*Instruction, error) {
	var env instruction
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ErrRouteFailed{Cause: err}
	}

	out := &Instruction{Action: env.Action}
	switch env.Action {
	case ActionReject:
		if err := json.Unmarshal(env.Data, &out.Reject); err != nil {
			return nil, &ErrRouteFailed{Cause: err}
		}
		if out.Reject.Status == 0 {
			out.Reject.Status = 480
		}
	case ActionRedirect:
		contacts, err := decodeStringOrSlice(env.Data, "contact")
		if err != nil {
			return nil, &ErrRouteFailed{Cause: err}
		}
		out.Redirect.Contacts = contacts
	case ActionProxy:
		var raw struct {
			RecordRoute        bool            `json:"recordRoute"`
			FollowRedirects    bool            `json:"followRedirects"`
			Simultaneous       bool            `json:"simultaneous"`
			ProvisionalTimeout int             `json:"provisionalTimeout"`
			FinalTimeout       int             `json:"finalTimeout"`
			Destination        json.RawMessage `json:"destination"`
		}
		if err := json.Unmarshal(env.Data, &raw); err != nil {
			return nil, &ErrRouteFailed{Cause: err}
		}
		dests, err := decodeStringOrSlice(raw.Destination, "")
		if err != nil {
			return nil, &ErrRouteFailed{Cause: err}
		}
		out.Proxy = ProxyData{
			RecordRoute:        raw.RecordRoute,
			FollowRedirects:    raw.FollowRedirects,
			Simultaneous:       raw.Simultaneous,
			ProvisionalTimeout: time.Duration(raw.ProvisionalTimeout) * time.Millisecond,
			FinalTimeout:       time.Duration(raw.FinalTimeout) * time.Millisecond,
			Destinations:       dests,
		}
	case ActionRoute:
		if err := json.Unmarshal(env.Data, &out.Route); err != nil {
			return nil, &ErrRouteFailed{Cause: err}
		}
	default:
		return nil, &ErrRouteFailed{Cause: fmt.Errorf("unrecognized route action %q", env.Action)}
	}
	return out, nil
}

// decodeStringOrSlice decodes a JSON value that may be a single string or
// an array of strings, per spec §4.9's `<string|string[]>` fields. field
// is used only for the object-wrapped case ("contact"); pass "" to decode
// data itself as the string-or-slice value.
func decodeStringOrSlice(data json.RawMessage, field string) ([]string, error) {
	if field != "" {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(data, &wrapper); err == nil {
			if v, ok := wrapper[field]; ok {
				data = v
			}
		}
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		return many, nil
	}
	return nil, fmt.Errorf("httproute: field is neither a string nor a string array")
}

// IsOutboundPeerURI reports whether uri begins with a scheme that skips
// the HTTP step entirely and synthesizes a route instruction directly
// (spec §4.9 "URIs beginning with tcp:// or tls:// skip the HTTP step").
func IsOutboundPeerURI(uri string) bool {
	return hasScheme(uri, "tcp://") || hasScheme(uri, "tls://")
}

func hasScheme(uri, scheme string) bool {
	return len(uri) >= len(scheme) && uri[:len(scheme)] == scheme
}
