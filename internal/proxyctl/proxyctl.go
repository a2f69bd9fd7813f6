// Package proxyctl implements the stateful forking proxy core (spec
// §4.5): target expansion with redirect splicing, serial/simultaneous
// branch launch, per-branch INVITE/non-INVITE state tracking, the
// provisional/final policy timers, response aggregation, inbound
// CANCEL, and digest auth-challenge retry. It is grounded on
// example/proxysip/main.go's route() closure (the single-branch relay:
// prepend Via, fire a client transaction, pump tx.Acks()/clTx.Responses()/
// clTx.Done()/tx.Done() in one select loop, build a CANCEL on
// ErrTransactionCanceled) generalized to an ordered target list with one
// goroutine per branch instead of one goroutine per proxied request, and
// on dialog_client.go's digestTransactionRequest/digestProxyAuthRequest
// for the icholy/digest retry shape.
package proxyctl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/icholy/digest"
	"github.com/rs/zerolog"

	"github.com/drachtio/drachtio-go/internal/sipclient"
	"github.com/drachtio/drachtio-go/internal/timerq"
	"github.com/drachtio/drachtio-go/internal/transportset"
	"github.com/drachtio/drachtio-go/sip"
)

// timerC is the proxy-core's own "no-response" guard while a branch sits
// in the proceeding state; it has no equivalent among sip/transaction.go's
// Timer_A..Timer_M since it belongs to the proxy, not the transaction.
const timerC = 185 * time.Second

type BranchState int

const (
	BranchNotStarted BranchState = iota
	BranchCalling
	BranchProceeding
	BranchCompleted
	BranchTerminated
)

func (s BranchState) String() string {
	switch s {
	case BranchCalling:
		return "calling"
	case BranchProceeding:
		return "proceeding"
	case BranchCompleted:
		return "completed"
	case BranchTerminated:
		return "terminated"
	default:
		return "not_started"
	}
}

// Credentials are the application-registered digest credentials for a
// downstream target's realm (spec §4.5 "Authentication challenge retry").
type Credentials struct {
	Username string
	Password string
}

// Policy is fixed at promotion time from the application's proxy
// instruction and never changes for the life of a Core.
type Policy struct {
	RecordRoute        bool
	FullResponse       bool
	FollowRedirects    bool
	Simultaneous       bool
	ProvisionalTimeout time.Duration
	FinalTimeout       time.Duration
	ExtraHeaders       []sip.Header
}

// Branch is one outbound client transaction against a single target.
type Branch struct {
	mu sync.Mutex

	ID     string
	Target sip.Uri
	state  BranchState

	request  *sip.Request
	clientTx *sip.ClientTx

	lastResponse *sip.Response
	unresponsive bool

	timerCHandle      timerq.Handle
	provisionalHandle timerq.Handle
	finalHandle       timerq.Handle
}

func (b *Branch) State() BranchState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Branch) setState(s BranchState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Core is one stateful forking-proxy instance, promoted from a single
// inbound request (spec §4.5).
type Core struct {
	log      zerolog.Logger
	endpoint *sipclient.Endpoint
	timers   *timerq.Manager
	table    *transportset.Table

	serverTx   *sip.ServerTx
	inboundReq *sip.Request
	policy     Policy

	mu       sync.Mutex
	targets  []sip.Uri
	cursor   int
	branches []*Branch

	searching    bool
	bestResponse *sip.Response

	creds      map[string]Credentials
	challenges map[string]challenge

	done chan struct{}
}

type challenge struct {
	realm string
	nonce string
}

// Controller owns every live proxy core, keyed by the inbound server
// transaction's key so a retransmitted INVITE that matches one is
// silently dropped rather than promoted twice (spec §4.5 "Retransmission
// suppression").
type Controller struct {
	log      zerolog.Logger
	endpoint *sipclient.Endpoint
	timers   *timerq.Manager
	table    *transportset.Table

	mu    sync.Mutex
	cores map[string]*Core
}

func New(log zerolog.Logger, endpoint *sipclient.Endpoint, timers *timerq.Manager, table *transportset.Table) *Controller {
	return &Controller{
		log:      log.With().Str("component", "proxyctl").Logger(),
		endpoint: endpoint,
		timers:   timers,
		table:    table,
		cores:    make(map[string]*Core),
	}
}

// StartProxy promotes req/tx into a proxy-core and launches branches per
// policy. A second call with the same tx.Key() (a retransmitted inbound
// INVITE) returns the existing core without error and launches nothing.
func (c *Controller) StartProxy(ctx context.Context, req *sip.Request, tx *sip.ServerTx, targets []sip.Uri, policy Policy, creds map[string]Credentials) (*Core, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("proxy: no targets")
	}

	c.mu.Lock()
	if existing, exists := c.cores[tx.Key()]; exists {
		c.mu.Unlock()
		return existing, nil
	}
	core := &Core{
		log:        c.log.With().Str("tx", tx.Key()).Logger(),
		endpoint:   c.endpoint,
		timers:     c.timers,
		table:      c.table,
		serverTx:   tx,
		inboundReq: req,
		policy:     policy,
		targets:    append([]sip.Uri(nil), targets...),
		searching:  true,
		creds:      creds,
		challenges: make(map[string]challenge),
		done:       make(chan struct{}),
	}
	if core.creds == nil {
		core.creds = make(map[string]Credentials)
	}
	c.cores[tx.Key()] = core
	c.mu.Unlock()

	tx.OnCancel(func(_ *sip.Request) {
		core.handleCancel()
	})

	go func() {
		<-core.done
		c.mu.Lock()
		delete(c.cores, tx.Key())
		c.mu.Unlock()
	}()

	core.launchFromCursor(ctx)
	return core, nil
}

// launchFromCursor starts branches for every target from cursor onward
// when Simultaneous, or just the one at cursor otherwise (spec §4.5
// "Launch policy").
func (core *Core) launchFromCursor(ctx context.Context) {
	core.mu.Lock()
	if core.cursor >= len(core.targets) {
		core.mu.Unlock()
		core.finishExhausted()
		return
	}
	var toLaunch []int
	if core.policy.Simultaneous {
		for i := core.cursor; i < len(core.targets); i++ {
			toLaunch = append(toLaunch, i)
		}
	} else {
		toLaunch = []int{core.cursor}
	}
	core.mu.Unlock()

	for _, idx := range toLaunch {
		core.launchBranch(ctx, idx)
	}
}

func (core *Core) launchBranch(ctx context.Context, targetIdx int) {
	core.mu.Lock()
	target := core.targets[targetIdx]
	core.mu.Unlock()

	req := core.buildBranchRequest(target)
	branch := &Branch{ID: req.GetHeaders("Via")[0].Value(), Target: target, request: req, state: BranchCalling}

	core.mu.Lock()
	core.branches = append(core.branches, branch)
	core.mu.Unlock()

	clTx, err := core.endpoint.Send(ctx, req)
	if err != nil {
		core.log.Warn().Err(err).Str("target", target.String()).Msg("branch launch failed")
		branch.setState(BranchTerminated)
		core.onBranchFinalUnavailable(ctx, branch, nil)
		return
	}
	branch.clientTx = clTx

	if req.IsInvite() && core.policy.ProvisionalTimeout > 0 {
		branch.provisionalHandle = core.timers.Queue(timerq.ClassGeneral).Insert(core.policy.ProvisionalTimeout, func() {
			core.onProvisionalTimeout(ctx, branch)
		})
	}
	if core.policy.FinalTimeout > 0 {
		branch.finalHandle = core.timers.Queue(timerq.ClassGeneral).Insert(core.policy.FinalTimeout, func() {
			core.onFinalTimeout(ctx, branch)
		})
	}

	go core.pumpBranch(ctx, branch)
}

// buildBranchRequest clones the inbound request for a new target,
// prepending a fresh Via (RFC 3261 §16.6) and, when RecordRoute is set,
// a Record-Route pointing back at our own transport, mirroring
// ClientRequestAddVia/ClientRequestAddRecordRoute's shape against the
// transportset table instead of a single client-bound host/port.
func (core *Core) buildBranchRequest(target sip.Uri) *sip.Request {
	req := core.inboundReq.Clone()
	req.Recipient = *target.Clone()
	req.RemoveHeader("Via")

	proto := transportset.Protocol(target.UriParams.GetOr("transport", "udp"))
	tr := core.table.SelectForPeer(target.Host, proto)
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Params:          sip.NewParams(),
	}
	var advertised sip.Uri
	if tr != nil {
		via.Transport = string(tr.Protocol)
		advertised = core.table.ContactURIFor(tr, target.Host)
		via.Host = advertised.Host
		via.Port = advertised.Port
	}
	via.Params.Add("branch", sip.GenerateBranch())
	req.PrependHeader(via)

	if core.policy.RecordRoute && tr != nil {
		rr := &sip.RecordRouteHeader{
			Address: sip.Uri{
				Host:      advertised.Host,
				Port:      advertised.Port,
				UriParams: sip.NewParams(),
			},
		}
		rr.Address.UriParams.Add("lr", "")
		rr.Address.UriParams.Add("transport", string(tr.Protocol))
		req.PrependHeader(rr)
	}

	for _, h := range core.policy.ExtraHeaders {
		req.AppendHeader(h)
	}

	return req
}

// pumpBranch is the per-branch event loop: forward 1xx upstream while
// searching, record finals, and react to branch termination/cancellation
// the way example/proxysip/main.go's route() does for its single branch.
func (core *Core) pumpBranch(ctx context.Context, branch *Branch) {
	clTx := branch.clientTx
	for {
		select {
		case res, more := <-clTx.Responses():
			if !more {
				return
			}
			core.onBranchResponse(ctx, branch, res)
			if res.IsSuccess() || res.StatusCode >= 300 {
				return
			}

		case <-clTx.Done():
			branch.setState(BranchTerminated)
			core.cancelBranchTimers(branch)
			if err := clTx.Err(); err != nil {
				core.onBranchFinalUnavailable(ctx, branch, nil)
			}
			return
		}
	}
}

func (core *Core) cancelBranchTimers(branch *Branch) {
	branch.provisionalHandle.Cancel()
	branch.finalHandle.Cancel()
	branch.timerCHandle.Cancel()
}

func (core *Core) onBranchResponse(ctx context.Context, branch *Branch, res *sip.Response) {
	branch.mu.Lock()
	branch.lastResponse = res
	branch.mu.Unlock()

	core.mu.Lock()
	searching := core.searching
	core.mu.Unlock()
	if !searching {
		// A CANCEL already tore the core down; absorb late branch
		// responses without forwarding or launching further targets.
		return
	}

	if res.IsProvisional() {
		branch.provisionalHandle.Cancel()
		if branch.State() == BranchCalling {
			branch.setState(BranchProceeding)
			if res.StatusCode > sip.StatusTrying {
				branch.timerCHandle = core.timers.Queue(timerq.ClassGeneral).Insert(timerC, func() {
					core.onTimerC(ctx, branch)
				})
			}
		}
		core.forwardProvisional(res)
		return
	}

	branch.setState(BranchCompleted)
	core.cancelBranchTimers(branch)

	if res.IsRedirection() && core.policy.FollowRedirects {
		core.spliceRedirectTargets(res)
		core.launchFromCursor(ctx)
		return
	}

	if (res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired) && core.policy.FollowRedirects {
		if retried := core.retryWithAuth(ctx, branch, res); retried {
			return
		}
	}

	if isTerminatingFinal(res.StatusCode) {
		core.forwardTerminating(res)
		return
	}

	core.recordBestEffort(res)
	core.crankback(ctx)
}

func isTerminatingFinal(code int) bool {
	return code == sip.StatusOK || code == sip.StatusBusyHere || code == sip.StatusDecline
}

// forwardProvisional relays a 1xx upstream as-is, minus the branch's own
// topmost Via (RFC 3261 §16.7).
func (core *Core) forwardProvisional(res *sip.Response) {
	core.mu.Lock()
	searching := core.searching
	core.mu.Unlock()
	if !searching {
		return
	}
	out := res.Clone()
	out.RemoveHeader("Via")
	if err := core.serverTx.Respond(out); err != nil {
		core.log.Warn().Err(err).Msg("forward provisional failed")
	}
}

func (core *Core) forwardTerminating(res *sip.Response) {
	core.mu.Lock()
	if !core.searching {
		core.mu.Unlock()
		return
	}
	core.searching = false
	core.mu.Unlock()

	out := res.Clone()
	out.RemoveHeader("Via")
	if err := core.serverTx.Respond(out); err != nil {
		core.log.Warn().Err(err).Msg("forward terminating final failed")
	}
	core.terminateOtherBranches(res)
	close(core.done)
}

func (core *Core) recordBestEffort(res *sip.Response) {
	core.mu.Lock()
	defer core.mu.Unlock()
	if core.bestResponse == nil || res.StatusCode < core.bestResponse.StatusCode {
		core.bestResponse = res.Clone()
	}
}

// crankback moves the cursor past the target that just failed and
// launches the next one, or forwards the best-so-far final once the
// target list is exhausted (spec §4.5 "Response aggregation").
func (core *Core) crankback(ctx context.Context) {
	core.mu.Lock()
	core.cursor++
	exhausted := core.cursor >= len(core.targets)
	core.mu.Unlock()

	if exhausted {
		core.finishExhausted()
		return
	}
	core.launchFromCursor(ctx)
}

func (core *Core) finishExhausted() {
	core.mu.Lock()
	if !core.searching {
		core.mu.Unlock()
		return
	}
	core.searching = false
	best := core.bestResponse
	core.mu.Unlock()

	if best == nil {
		best = sip.NewResponseFromRequest(core.inboundReq, sip.StatusNotFound, "Not Found", nil)
	} else {
		best.RemoveHeader("Via")
	}
	if err := core.serverTx.Respond(best); err != nil {
		core.log.Warn().Err(err).Msg("forward best-effort final failed")
	}
	close(core.done)
}

// onBranchFinalUnavailable treats a branch that failed to even launch
// (connect/resolve error) as a 503 for crankback purposes.
func (core *Core) onBranchFinalUnavailable(ctx context.Context, branch *Branch, _ *sip.Response) {
	res := sip.NewResponseFromRequest(core.inboundReq, sip.StatusServiceUnavailable, "Service Unavailable", nil)
	core.recordBestEffort(res)
	core.crankback(ctx)
}

// onProvisionalTimeout marks a silent branch unresponsive and, if more
// targets remain, launches the next one in parallel without tearing the
// unresponsive branch down (spec §4.5 "Provisional ... policy timers").
func (core *Core) onProvisionalTimeout(ctx context.Context, branch *Branch) {
	branch.mu.Lock()
	branch.unresponsive = true
	branch.mu.Unlock()

	core.mu.Lock()
	hasMore := core.cursor+1 < len(core.targets)
	if hasMore {
		core.cursor++
	}
	core.mu.Unlock()

	if hasMore {
		core.launchFromCursor(ctx)
	}
}

// onFinalTimeout CANCELs a branch that never produced a final response
// and launches the next target (spec §4.5).
func (core *Core) onFinalTimeout(ctx context.Context, branch *Branch) {
	core.cancelOneBranch(ctx, branch)
	core.crankback(ctx)
}

// onTimerC CANCELs a branch proceeding with no final response for too
// long (spec §4.5 "Branch state machine (INVITE)").
func (core *Core) onTimerC(ctx context.Context, branch *Branch) {
	core.cancelOneBranch(ctx, branch)
	core.crankback(ctx)
}

// spliceRedirectTargets inserts every Contact from a 3xx into the target
// list right after the current cursor (spec §4.5 "Target expansion").
func (core *Core) spliceRedirectTargets(res *sip.Response) {
	contacts := res.GetHeaders("Contact")
	if len(contacts) == 0 {
		return
	}
	var fresh []sip.Uri
	for _, h := range contacts {
		if c, ok := h.(*sip.ContactHeader); ok {
			fresh = append(fresh, c.Address)
		}
	}
	if len(fresh) == 0 {
		return
	}

	core.mu.Lock()
	defer core.mu.Unlock()
	insertAt := core.cursor + 1
	rest := append([]sip.Uri(nil), core.targets[insertAt:]...)
	core.targets = append(core.targets[:insertAt], append(fresh, rest...)...)
}

// retryWithAuth looks up credentials for the branch's target and, if
// found, rebuilds the request with Authorization/Proxy-Authorization and
// launches a fresh branch instead of surfacing the challenge (spec §4.5
// "Authentication challenge retry"), grounded on dialog_client.go's
// digestProxyAuthRequest/digestTransactionRequest.
func (core *Core) retryWithAuth(ctx context.Context, branch *Branch, res *sip.Response) bool {
	cred, ok := core.creds[branch.Target.Host]
	if !ok {
		return false
	}

	headerName := "WWW-Authenticate"
	authName := "Authorization"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		headerName = "Proxy-Authenticate"
		authName = "Proxy-Authorization"
	}
	authHeader := res.GetHeader(headerName)
	if authHeader == nil {
		return false
	}
	chal, err := digest.ParseChallenge(authHeader.Value())
	if err != nil {
		core.log.Warn().Err(err).Msg("parse auth challenge failed")
		return false
	}
	core.challenges[branch.Target.Host] = challenge{realm: chal.Realm, nonce: chal.Nonce}

	digestCred, err := digest.Digest(chal, digest.Options{
		Method:   branch.request.Method.String(),
		URI:      branch.request.Recipient.String(),
		Username: cred.Username,
		Password: cred.Password,
	})
	if err != nil {
		core.log.Warn().Err(err).Msg("build digest credential failed")
		return false
	}

	retry := branch.request.Clone()
	retry.RemoveHeader(authName)
	retry.AppendHeader(&sip.GenericHeader{HeaderName: authName, Contents: digestCred.String()})
	if cseq, ok := retry.CSeq(); ok {
		cseq.SeqNo++
	}
	retry.RemoveHeader("Via")

	via := &sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Params: sip.NewParams()}
	via.Params.Add("branch", sip.GenerateBranch())
	retry.PrependHeader(via)

	core.mu.Lock()
	core.branches = append(core.branches, &Branch{
		ID:      retry.GetHeaders("Via")[0].Value(),
		Target:  branch.Target,
		state:   BranchCalling,
		request: retry,
	})
	newBranch := core.branches[len(core.branches)-1]
	core.mu.Unlock()

	clTx, err := core.endpoint.Send(ctx, retry)
	if err != nil {
		core.log.Warn().Err(err).Msg("auth retry launch failed")
		return false
	}
	newBranch.clientTx = clTx
	go core.pumpBranch(ctx, newBranch)
	return true
}

// handleCancel stops the search and CANCELs every live branch. It sends no
// response itself: the sip.TransactionLayer answers the inbound CANCEL with
// 200 and the original INVITE with 487. See spec §4.5 "CANCEL inbound".
func (core *Core) handleCancel() {
	core.mu.Lock()
	if !core.searching {
		core.mu.Unlock()
		return
	}
	core.searching = false
	branches := append([]*Branch(nil), core.branches...)
	core.mu.Unlock()

	ctx := context.Background()
	for _, b := range branches {
		if b.State() == BranchCalling || b.State() == BranchProceeding {
			core.cancelOneBranch(ctx, b)
		}
	}
	close(core.done)
}

// cancelOneBranch sends a CANCEL for a branch still in calling/proceeding,
// built the way sip/request.go's unexported newCancelRequest does (Via/
// Route/From/To/Call-ID copied, CSeq carried with the CANCEL method),
// using the exported sip.CopyHeaders since headerClone is package-private.
func (core *Core) cancelOneBranch(ctx context.Context, branch *Branch) {
	branch.mu.Lock()
	req := branch.request
	branch.mu.Unlock()
	if req == nil {
		return
	}

	cancel := sip.NewRequest(sip.CANCEL, req.Recipient)
	cancel.SipVersion = req.SipVersion
	if via, ok := req.Via(); ok {
		cancel.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", req, cancel)
	sip.CopyHeaders("From", req, cancel)
	sip.CopyHeaders("To", req, cancel)
	sip.CopyHeaders("Call-ID", req, cancel)
	if cseq, ok := req.CSeq(); ok {
		cancel.AppendHeader(&sip.CSeq{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwards(70)
	cancel.AppendHeader(&maxFwd)

	clTx, err := core.endpoint.Send(ctx, cancel)
	if err != nil {
		core.log.Warn().Err(err).Str("target", branch.Target.String()).Msg("branch cancel failed")
		return
	}
	defer clTx.Terminate()

	select {
	case res := <-clTx.Responses():
		if res.StatusCode != sip.StatusOK {
			core.log.Warn().Int("status", res.StatusCode).Msg("branch cancel not OKed")
		}
	case <-clTx.Done():
	case <-ctx.Done():
	}
}

func (core *Core) terminateOtherBranches(winner *sip.Response) {
	core.mu.Lock()
	branches := append([]*Branch(nil), core.branches...)
	core.mu.Unlock()

	ctx := context.Background()
	for _, b := range branches {
		if b.clientTx == nil {
			continue
		}
		if winner != nil && b.lastResponse == winner {
			continue
		}
		st := b.State()
		if st == BranchCalling || st == BranchProceeding {
			core.cancelOneBranch(ctx, b)
		}
	}
}
