// Package appclient implements the application control-plane connections
// (spec §4.7/§4.8/§6): the framed TCP/TLS wire protocol, client
// authentication, verb subscription with round-robin dispatch, and the
// named-service pool used to recover in-dialog traffic when a dialog's
// owning client has disconnected.
//
// Grounded on the teacher's sip/transport_tcp.go accept-loop shape (one
// goroutine per accepted connection, a pool guarded by its own mutex) and
// on sip/parser_stream.go's incremental-read idiom, adapted here to the
// pipe-delimited `<len>#<payload>` frame instead of a SIP start line.
package appclient

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// authenticateDeadline is how long a newly accepted connection has to send
// a valid "authenticate" command before it is torn down (spec §5 "An
// outbound control connection that fails to authenticate within 2 s is
// torn down", applied here to inbound connections too).
const authenticateDeadline = 2 * time.Second

// maxFramePayload is the largest payload a single frame may declare (spec
// §6 "Max frame payload 99999 bytes").
const maxFramePayload = 99999

var (
	// ErrFrameTooLarge is returned by readFrame when the declared length
	// exceeds maxFramePayload or is not a clean ASCII decimal.
	ErrFrameTooLarge = errors.New("appclient: frame length invalid or too large")
	// ErrUnauthenticated is returned when a command other than
	// authenticate/ping arrives on a connection that hasn't authenticated.
	ErrUnauthenticated = errors.New("appclient: connection not authenticated")
)

// Client is a single inbound or outbound framed application connection
// (spec "Application client" entity, §3).
type Client struct {
	conn   net.Conn
	reader *bufio.Reader

	log zerolog.Logger

	writeMu sync.Mutex

	mu            sync.Mutex
	authenticated bool
	appName       string
	tags          map[string]struct{}
	outboundTxID  string
	connectedAt   time.Time
}

func newClient(conn net.Conn, log zerolog.Logger) *Client {
	return &Client{
		conn:        conn,
		reader:      bufio.NewReader(conn),
		log:         log,
		tags:        make(map[string]struct{}),
		connectedAt: time.Now(),
	}
}

// Authenticated reports whether this connection has passed the shared
// secret check yet.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// HasTag reports whether this client subscribed with the given tag (spec
// §4.8 "selectClientForTag").
func (c *Client) HasTag(tag string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tags[tag]
	return ok
}

// AppName is the named-service this client registered under, if any (spec
// "addNamedService"); empty if none.
func (c *Client) AppName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appName
}

// writeFrame serializes payload as `<len>#<payload>` and writes it whole;
// writes are serialized per connection so two goroutines posting to the
// same client never interleave frames.
func (c *Client) writeFrame(payload string) error {
	if len(payload) > maxFramePayload {
		return ErrFrameTooLarge
	}
	framed := strconv.Itoa(len(payload)) + "#" + payload
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := io.WriteString(c.conn, framed)
	return err
}

// SendResponse delivers a solicited reply to a C→S command (spec §6 "S→C
// response to C→S").
func (c *Client) SendResponse(clientMsgID string, ok bool, data string) error {
	status := "OK"
	if !ok {
		status = "NO"
	}
	payload := fmt.Sprintf("%s|response|%s|%s", uuid.NewString(), clientMsgID, status)
	if data != "" {
		payload += "|" + data
	}
	return c.writeFrame(payload)
}

// SendUnsolicitedSIP delivers an inbound SIP message this client was
// routed to (spec §6 "S→C unsolicited SIP").
func (c *Client) SendUnsolicitedSIP(source, proto, addr string, port int, transactionID, dialogID, routeURL, raw string) error {
	payload := fmt.Sprintf("%s|sip|%s|%d|%s|%s|%d|%d|%s|%s|%s\r\n%s",
		uuid.NewString(), source, len(raw), proto, addr, port, time.Now().Unix(), transactionID, dialogID, routeURL, raw)
	return c.writeFrame(payload)
}

// SendCDR delivers a call-detail record (spec §6 "S→C CDR"). recordType is
// one of "cdr:attempt", "cdr:start", "cdr:stop".
func (c *Client) SendCDR(recordType, source string, at time.Time, role, reason, raw string) error {
	meta := fmt.Sprintf("%s|%s|%s|%d", uuid.NewString(), recordType, source, at.Unix())
	if role != "" {
		meta += "|" + role + "|" + reason
	}
	return c.writeFrame(meta + "\r\n" + raw)
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// readFrame blocks for exactly one `<len>#<payload>` frame. Anything that
// isn't a 1-5 digit ASCII decimal followed by '#' is a protocol violation
// and the caller must close the connection (spec §7 "Frame parse: close
// the client connection").
func readFrame(r *bufio.Reader) (string, error) {
	lenBuf := make([]byte, 0, 5)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '#' {
			break
		}
		if b < '0' || b > '9' || len(lenBuf) >= 5 {
			return "", ErrFrameTooLarge
		}
		lenBuf = append(lenBuf, b)
	}
	if len(lenBuf) == 0 {
		return "", ErrFrameTooLarge
	}
	n, err := strconv.Atoi(string(lenBuf))
	if err != nil || n > maxFramePayload {
		return "", ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return "", err
	}
	return string(payload), nil
}

// CommandHandler processes one parsed C→S command (verb + args + the
// raw bytes following the header line's CRLF, if any — the "sip" and
// "proxy" verbs carry a raw SIP message there) for a given client and
// returns the response text to send back (or an error to send as a
// NO). The Controller registers one handler per verb; the sip/proxy
// verbs are wired in by the engine package, which is the only layer
// that knows about dialogctl/proxyctl.
type CommandHandler func(c *Client, clientMsgID string, args []string, rawBody string) (data string, err error)

// Controller owns the set of connected application clients plus the
// verb-subscription and named-service indices (spec §4.8 dispatch rules).
// Its maps are touched from both the SIP thread (dispatch) and the
// client-I/O goroutines (accept/disconnect), so every map mutation takes
// controller.mu for the duration of the mutation only, never across I/O
// (spec §5 "Shared mutable state").
type Controller struct {
	log    zerolog.Logger
	secret string

	mu          sync.Mutex
	clients     map[*Client]struct{}
	subscribers map[string][]*Client // verb -> subscribed clients, append order
	offsets     map[string]int       // verb -> round-robin cursor
	namedPool   map[string][]*Client // app name -> clients

	handlers map[string]CommandHandler
}

// New builds a controller that authenticates connections against secret.
func New(log zerolog.Logger, secret string) *Controller {
	return &Controller{
		log:         log,
		secret:      secret,
		clients:     make(map[*Client]struct{}),
		subscribers: make(map[string][]*Client),
		offsets:     make(map[string]int),
		namedPool:   make(map[string][]*Client),
		handlers:    make(map[string]CommandHandler),
	}
}

// Handle registers the handler invoked for a given verb's C→S command
// (anything beyond authenticate/ping/route/remove_route, which the
// controller itself implements).
func (ctl *Controller) Handle(verb string, h CommandHandler) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	ctl.handlers[strings.ToLower(verb)] = h
}

// Serve accepts connections off l until it errors (listener closed), one
// goroutine per connection, mirroring sip.TransportTCP.Serve.
func (ctl *Controller) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go ctl.handleConn(conn)
	}
}

// ServeTLS is Serve over a TLS listener, per spec §6 "a separate TLS
// listen port may coexist with TCP".
func (ctl *Controller) ServeTLS(l net.Listener, cfg *tls.Config) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go ctl.handleConn(tls.Server(conn, cfg))
	}
}

func (ctl *Controller) handleConn(conn net.Conn) {
	c := newClient(conn, ctl.log.With().Str("peer", conn.RemoteAddr().String()).Logger())
	ctl.addClient(c)
	defer ctl.removeClient(c)
	defer conn.Close()

	deadline := time.AfterFunc(authenticateDeadline, func() {
		if !c.Authenticated() {
			c.log.Warn().Msg("application client failed to authenticate in time")
			conn.Close()
		}
	})
	defer deadline.Stop()

	for {
		payload, err := readFrame(c.reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Debug().Err(err).Msg("application client frame read failed")
			}
			return
		}
		if err := ctl.dispatch(c, payload); err != nil {
			c.log.Debug().Err(err).Msg("application client command rejected")
		}
	}
}

func (ctl *Controller) addClient(c *Client) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	ctl.clients[c] = struct{}{}
}

func (ctl *Controller) removeClient(c *Client) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	delete(ctl.clients, c)
	for verb, subs := range ctl.subscribers {
		ctl.subscribers[verb] = removeClient(subs, c)
	}
	if name := c.AppName(); name != "" {
		ctl.namedPool[name] = removeClient(ctl.namedPool[name], c)
	}
}

func removeClient(list []*Client, c *Client) []*Client {
	out := list[:0]
	for _, e := range list {
		if e != c {
			out = append(out, e)
		}
	}
	return out
}

// dispatch parses one frame's pipe-delimited payload and routes it to the
// matching verb handler (spec §6 "C→S command").
func (ctl *Controller) dispatch(c *Client, payload string) error {
	headerLine := payload
	var rawBody string
	if idx := strings.Index(payload, "\r\n"); idx >= 0 {
		headerLine = payload[:idx]
		rawBody = payload[idx+2:]
	}
	parts := strings.Split(headerLine, "|")
	if len(parts) < 2 {
		return errors.New("appclient: malformed command frame")
	}
	clientMsgID, verb, args := parts[0], strings.ToLower(parts[1]), parts[2:]

	if !c.Authenticated() && verb != "authenticate" && verb != "ping" {
		c.SendResponse(clientMsgID, false, "must authenticate first")
		return ErrUnauthenticated
	}

	switch verb {
	case "authenticate":
		return ctl.handleAuthenticate(c, clientMsgID, args)
	case "ping":
		return c.SendResponse(clientMsgID, true, "pong")
	case "route":
		return ctl.handleRoute(c, clientMsgID, args)
	case "remove_route":
		return ctl.handleRemoveRoute(c, clientMsgID, args)
	}

	ctl.mu.Lock()
	h := ctl.handlers[verb]
	ctl.mu.Unlock()
	if h == nil {
		c.SendResponse(clientMsgID, false, "unrecognized verb")
		return fmt.Errorf("appclient: unrecognized verb %q", verb)
	}
	data, err := h(c, clientMsgID, args, rawBody)
	if err != nil {
		return c.SendResponse(clientMsgID, false, err.Error())
	}
	return c.SendResponse(clientMsgID, true, data)
}

func (ctl *Controller) handleAuthenticate(c *Client, clientMsgID string, args []string) error {
	// The argument is "<secret>[,<tag>,...]".
	var fields []string
	if len(args) > 0 {
		fields = strings.Split(args[0], ",")
	}
	if len(fields) == 0 || fields[0] != ctl.secret {
		c.SendResponse(clientMsgID, false, "invalid secret")
		return errors.New("appclient: authentication failed")
	}
	c.mu.Lock()
	c.authenticated = true
	for _, tag := range append(fields[1:], args[1:]...) {
		c.tags[tag] = struct{}{}
	}
	c.mu.Unlock()
	return c.SendResponse(clientMsgID, true, "")
}

func (ctl *Controller) handleRoute(c *Client, clientMsgID string, args []string) error {
	if len(args) == 0 {
		c.SendResponse(clientMsgID, false, "route requires a verb")
		return errors.New("appclient: route missing verb")
	}
	verb := strings.ToLower(args[0])
	ctl.mu.Lock()
	ctl.subscribers[verb] = append(ctl.subscribers[verb], c)
	ctl.mu.Unlock()
	return c.SendResponse(clientMsgID, true, "")
}

func (ctl *Controller) handleRemoveRoute(c *Client, clientMsgID string, args []string) error {
	if len(args) == 0 {
		c.SendResponse(clientMsgID, false, "remove_route requires a verb")
		return errors.New("appclient: remove_route missing verb")
	}
	verb := strings.ToLower(args[0])
	ctl.mu.Lock()
	ctl.subscribers[verb] = removeClient(ctl.subscribers[verb], c)
	ctl.mu.Unlock()
	return c.SendResponse(clientMsgID, true, "")
}

// RegisterNamedService adds c to the named pool used to recover
// in-dialog traffic when a dialog's owning client has disconnected (spec
// §4.8 "addNamedService").
func (ctl *Controller) RegisterNamedService(c *Client, name string) {
	c.mu.Lock()
	c.appName = name
	c.mu.Unlock()
	ctl.mu.Lock()
	ctl.namedPool[name] = append(ctl.namedPool[name], c)
	ctl.mu.Unlock()
}

// SelectClientForVerb round-robins across clients subscribed to verb,
// reaping any that have since disconnected (spec §4.8 item 3). It returns
// false if nobody is subscribed.
func (ctl *Controller) SelectClientForVerb(verb string) (*Client, bool) {
	verb = strings.ToLower(verb)
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	subs := ctl.subscribers[verb]
	for len(subs) > 0 {
		off := ctl.offsets[verb] % len(subs)
		candidate := subs[off]
		ctl.offsets[verb] = off + 1
		if _, connected := ctl.clients[candidate]; connected {
			return candidate, true
		}
		subs = removeClient(subs, candidate)
		ctl.subscribers[verb] = subs
	}
	return nil, false
}

// SelectClientForTag returns a client, across all verb subscribers, whose
// tag set contains tag (spec §4.8 "selectClientForTag"). No round-robin
// offset is kept for tags: the subscriber map is walked in Go map order,
// so when several clients carry the tag, which one is returned is not
// defined.
func (ctl *Controller) SelectClientForTag(tag string) (*Client, bool) {
	ctl.mu.Lock()
	var candidates []*Client
	seen := make(map[*Client]struct{})
	for _, subs := range ctl.subscribers {
		for _, c := range subs {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			candidates = append(candidates, c)
		}
	}
	ctl.mu.Unlock()

	for _, c := range candidates {
		if c.HasTag(tag) {
			return c, true
		}
	}
	return nil, false
}

// SelectNamedServicePeer picks a random connected client of the same
// named service pool, for in-dialog recovery when the owning client has
// disconnected (spec §4.8 "Disconnected-client recovery").
func (ctl *Controller) SelectNamedServicePeer(name string) (*Client, bool) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	var connected []*Client
	for _, c := range ctl.namedPool[name] {
		if _, ok := ctl.clients[c]; ok {
			connected = append(connected, c)
		}
	}
	if len(connected) == 0 {
		return nil, false
	}
	return connected[rand.Intn(len(connected))], true
}

// Connect dials an outbound application connection (spec §4.8 item 1,
// "an outbound connection the engine previously initiated"), tagging it
// with the transactionId it was opened for so the first inbound request
// on it routes straight back without a verb-subscription lookup.
func (ctl *Controller) Connect(network, addr string, transactionID string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		return nil, err
	}
	c := newClient(conn, ctl.log.With().Str("peer", addr).Logger())
	c.mu.Lock()
	c.outboundTxID = transactionID
	c.mu.Unlock()
	ctl.addClient(c)
	go ctl.handleConn(conn)
	return c, nil
}

// ClientForOutboundTransaction returns the client previously Connect-ed
// for transactionID, if its connection is still open.
func (ctl *Controller) ClientForOutboundTransaction(transactionID string) (*Client, bool) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	for c := range ctl.clients {
		c.mu.Lock()
		match := c.outboundTxID == transactionID
		c.mu.Unlock()
		if match {
			return c, true
		}
	}
	return nil, false
}

// Count reports the number of currently connected clients, for the
// watchdog task's periodic counters.
func (ctl *Controller) Count() int {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return len(ctl.clients)
}
