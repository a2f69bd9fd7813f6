// Package pendingreq implements the engine's pending-request controller
// (spec §4.4 in the design notes): it parks inbound out-of-dialog requests
// awaiting an application disposition, detects retransmission by
// (callId, method, cseq, branch), and owns the 64 s client-response timer
// that discards a request nobody answered in time.
//
// Grounded on the teacher's sip/transaction.go transactionStore[T] shape
// (one map plus one RWMutex, a single Add/Remove pair keeping both indices
// in lock-step) and on internal/dialogctl's pattern of parking a timerq
// handle directly on the arena entry rather than in a side table.
package pendingreq

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/drachtio/drachtio-go/internal/timerq"
	"github.com/drachtio/drachtio-go/sip"
)

// clientResponseTimeout bounds how long a parked request waits for the
// application to dispose of it before the controller reclaims it.
const clientResponseTimeout = 64 * time.Second

var (
	// ErrRetransmission is returned by Arrive when req duplicates a request
	// already parked. The caller takes no further action: an unanswered
	// INVITE has already had its 100 Trying re-emitted by Arrive itself.
	ErrRetransmission = errors.New("pendingreq: retransmission of a parked request")

	// ErrNoClient is returned by Arrive when Dispatch refuses the request
	// (no application client available to hand it to).
	ErrNoClient = errors.New("pendingreq: no application client available")
)

// Dispatch hands a freshly parked request to a chosen application client
// (spec §4.8's selection rules live one layer up, in the appclient
// package; this seam just lets pendingreq stay ignorant of how a client
// is picked or framed). A non-nil error means no client could be found.
type Dispatch func(r *Request) error

// Request is a single parked inbound request awaiting application
// disposition.
type Request struct {
	TransactionID string
	CallID        string
	CSeq          uint32
	Method        sip.RequestMethod
	Branch        string

	Message   *sip.Request
	Tx        *sip.ServerTx
	Transport string

	CreatedAt time.Time

	mu       sync.Mutex
	answered bool
	canceled bool

	timer timerq.Handle
}

// Canceled reports whether a CANCEL has arrived for this parked request
// while it still awaited disposition.
func (r *Request) Canceled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled
}

func (r *Request) markCanceled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = true
}

// settle marks the request as having reached a terminal outcome exactly
// once (disposed of by the application or reclaimed by the timeout), and
// reports whether this call is the one that did it.
func (r *Request) settle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.answered {
		return false
	}
	r.answered = true
	return true
}

// retransmitKey is RFC 3261's duplicate-request tuple restated by spec
// §4.4: (callId, method, cseq, branch).
type retransmitKey struct {
	callID string
	method sip.RequestMethod
	cseq   uint32
	branch string
}

func keyFor(req *sip.Request) retransmitKey {
	k := retransmitKey{method: req.Method}
	if cid, ok := req.CallID(); ok {
		k.callID = cid.Value()
	}
	if cseq, ok := req.CSeq(); ok {
		k.cseq = cseq.SeqNo
	}
	if via, ok := req.Via(); ok {
		k.branch, _ = via.Params.Get("branch")
	}
	return k
}

// Controller is the multi-index arena of parked requests: by transaction
// id (for findAndRemove) and by retransmitKey (for duplicate detection).
type Controller struct {
	log    zerolog.Logger
	timers *timerq.Manager

	mu        sync.Mutex
	byTxID    map[string]*Request
	byRetrans map[retransmitKey]*Request
	onExpire  func(r *Request)
}

// New builds an empty controller. The timer manager supplies the
// pending-request-client-response queue (timerq.ClassPendingClient) so a
// flood of parked requests never delays any other timer class.
func New(log zerolog.Logger, timers *timerq.Manager) *Controller {
	return &Controller{
		log:       log,
		timers:    timers,
		byTxID:    make(map[string]*Request),
		byRetrans: make(map[retransmitKey]*Request),
	}
}

// Arrive parks a newly arrived out-of-dialog request. dispatch is called
// once, synchronously, to hand the parked request to an application
// client; if dispatch refuses (returns an error), the request is
// immediately unparked and ErrNoClient is returned so the caller can
// reply with a default 480 (spec §4.6 item 7).
//
// A request matching (callId, method, cseq, branch) of one already
// parked is a retransmission: if it is an unanswered INVITE its 100
// Trying is re-emitted on tx; otherwise it is silently dropped. Either
// way Arrive returns (nil, ErrRetransmission) and the caller takes no
// further action.
func (c *Controller) Arrive(req *sip.Request, tx *sip.ServerTx, dispatch Dispatch) (*Request, error) {
	key := keyFor(req)

	c.mu.Lock()
	if existing, dup := c.byRetrans[key]; dup {
		c.mu.Unlock()
		if req.IsInvite() && !existing.isAnswered() {
			trying := sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil)
			if err := tx.Respond(trying); err != nil {
				c.log.Error().Err(err).Str("call-id", key.callID).Msg("failed to re-emit 100 Trying for retransmitted INVITE")
			}
		}
		return nil, ErrRetransmission
	}
	c.mu.Unlock()

	pr := &Request{
		TransactionID: uuid.NewString(),
		CallID:        key.callID,
		CSeq:          key.cseq,
		Method:        key.method,
		Branch:        key.branch,
		Message:       req,
		Tx:            tx,
		Transport:     req.Transport(),
		CreatedAt:     time.Now(),
	}

	c.mu.Lock()
	c.byTxID[pr.TransactionID] = pr
	c.byRetrans[key] = pr
	c.mu.Unlock()

	pr.timer = c.timers.Queue(timerq.ClassPendingClient).Insert(clientResponseTimeout, func() {
		c.expire(pr)
	})

	if dispatch == nil {
		c.drop(pr)
		return nil, ErrNoClient
	}
	if err := dispatch(pr); err != nil {
		c.drop(pr)
		return nil, ErrNoClient
	}

	return pr, nil
}

// isAnswered peeks the settled flag without setting it, so an
// unanswered-INVITE retransmission check can ask "has nobody disposed of
// this yet" without racing Arrive's own settle on the original.
func (r *Request) isAnswered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.answered
}

// Cancel marks the parked request (looked up by its retransmit key, since
// a CANCEL arrives correlated to the original INVITE's branch rather than
// any transactionId the application has seen yet) as canceled. It does
// not remove the request from the arena: the application still owns the
// eventual disposition, it just now knows the caller hung up.
func (c *Controller) Cancel(callID string, cseq uint32, branch string) (*Request, bool) {
	key := retransmitKey{callID: callID, method: sip.INVITE, cseq: cseq, branch: branch}
	c.mu.Lock()
	pr, ok := c.byRetrans[key]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	pr.markCanceled()
	return pr, true
}

// FindAndRemove hands the parked record back to the application-side
// caller that is about to dispose of it (respond, proxy, or redirect),
// removing it from both indices and canceling its timeout. It returns
// false if the transactionId is unknown or the timeout already fired.
func (c *Controller) FindAndRemove(transactionID string) (*Request, bool) {
	c.mu.Lock()
	pr, ok := c.byTxID[transactionID]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	if !pr.settle() {
		return nil, false
	}
	c.remove(pr)
	return pr, true
}

// drop unparks a request that was never successfully dispatched (no
// client available); it is never handed to the application, so no settle
// race is possible.
func (c *Controller) drop(pr *Request) {
	pr.settle()
	c.remove(pr)
}

// expire fires when the 64 s client-response timer wins the race against
// the application: the record is discarded and, per spec §4.4, the
// application-client layer must be told to free whatever mapping it held
// for this transactionId. onExpire (set via OnExpire) carries that
// notification; Controller itself does not know about application
// clients.
func (c *Controller) expire(pr *Request) {
	if !pr.settle() {
		return
	}
	c.remove(pr)
	c.mu.Lock()
	onExpire := c.onExpire
	c.mu.Unlock()
	if onExpire != nil {
		onExpire(pr)
	}
}

// OnExpire registers the callback invoked when a parked request's 64 s
// timer fires before the application disposed of it. Exactly one callback
// is kept; later registrations replace earlier ones.
func (c *Controller) OnExpire(f func(r *Request)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExpire = f
}

func (c *Controller) remove(pr *Request) {
	key := retransmitKey{callID: pr.CallID, method: pr.Method, cseq: pr.CSeq, branch: pr.Branch}
	c.mu.Lock()
	delete(c.byTxID, pr.TransactionID)
	delete(c.byRetrans, key)
	c.mu.Unlock()
	pr.timer.Cancel()
}

// Count reports the number of requests currently parked, for the
// watchdog task's periodic counters (spec §2).
func (c *Controller) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byTxID)
}
