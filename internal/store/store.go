// Package store implements the engine's transaction/dialog state layer
// (spec arena of IIPs, stable dialogs, and RIPs, multi-index by leg,
// dialogId, and transactionId). It follows the teacher's own
// transactionStore[T] pattern (sip/transaction.go): one plain map per
// index, all guarded by a single shared RWMutex, with put/get/drop
// primitives; every Store method holds that lock for its whole operation,
// so an update that touches more than one index is atomic.
//
// Per the single-threaded SIP event loop (only one goroutine, the engine's
// dispatch loop, ever calls these methods at once) the RWMutex mostly
// guards against the application-client and DNS-resolver threads reading
// a consistent snapshot (e.g. for the watchdog's counters), not against
// concurrent writers.
package store

import (
	"errors"
	"sync"
	"time"

	"github.com/drachtio/drachtio-go/internal/timerq"
	"github.com/drachtio/drachtio-go/sip"
)

// ErrNoSuchDialog is returned when a lookup by dialogId or leg finds
// nothing, e.g. an ACK or in-dialog request arriving after teardown.
var ErrNoSuchDialog = errors.New("dialog does not exist")

// Role distinguishes which side of the INVITE transaction an IIP represents.
type Role int

const (
	RoleUAC Role = iota
	RoleUAS
)

func (r Role) String() string {
	if r == RoleUAC {
		return "UAC"
	}
	return "UAS"
}

// LegID is the stable handle a controller holds across the life of a call
// leg, independent of which transaction or dialog currently backs it.
type LegID string

// Dialog is a stable, confirmed SIP dialog (spec "arena of stable
// dialogs"). The store is its sole owner; controllers hold a DialogID and
// look it up on every use rather than caching the pointer, so that BYE/
// teardown invalidates every holder uniformly.
type Dialog struct {
	ID   string // callId + ";from-tag=" + local-or-remote tag, spec §4.3
	Leg  LegID
	Role Role

	CallID   sip.CallID
	LocalTag string
	RemoteTag string

	InviteRequest  *sip.Request
	InviteResponse *sip.Response

	state      sip.DialogState
	localCSeq  uint32
	remoteCSeq uint32

	// AppClientID names the application client that owns this dialog, for
	// in-dialog request routing (spec §4.3 "processRequestInsideDialog").
	AppClientID string

	// ackRetention is armed on receipt of the ACK-for-2xx and released on
	// Timer D expiry (spec §4.3.4), so a stray retransmitted 2xx can still
	// find an ACK to resend instead of triggering a fresh UAC timeout.
	ackRetention timerq.Handle

	// sessionRefresh is the RFC 4028 session-timer handle; nil if the
	// dialog did not negotiate one.
	sessionRefresh timerq.Handle

	CreatedAt time.Time

	mu sync.Mutex
}

func (d *Dialog) State() sip.DialogState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// SetState is monotonic only up to the first 2xx per spec invariant (e);
// callers besides the store (dialogctl) enforce that, this just records.
func (d *Dialog) SetState(s sip.DialogState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
}

func (d *Dialog) NextLocalCSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localCSeq++
	return d.localCSeq
}

func (d *Dialog) RemoteCSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteCSeq
}

func (d *Dialog) SetRemoteCSeq(v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remoteCSeq = v
}

// IIP is an Invite-in-progress: a dialog-in-formation, per spec §3.
type IIP struct {
	Leg           LegID
	Role          Role
	TransactionID string // irq (UAS) or orq (UAC) key into sip.TransactionLayer
	Dialog        *Dialog
	ReliableHandle string // RAck-matched PRACK handle, spec §4.3.1
	Canceled      bool
	// AckBye is set by the CANCEL/2xx race handler (spec §4.3.5): a 2xx
	// raced past the locally-issued CANCEL, so once it's ACKed the engine
	// must immediately follow with a BYE instead of treating the dialog as
	// newly established.
	AckBye bool

	CreatedAt         time.Time
	MaxProceedingTimer timerq.Handle

	AppClientID string
}

// RIP is a request-in-progress: an in-dialog request awaiting response,
// per spec §3.
type RIP struct {
	TransactionID      string
	ClientMsgID        string
	DialogID           string
	ClearDialogOnResponse bool
	Dialog             *Dialog // optional strong reference, e.g. for BYE
}

// Store is the multi-index arena. Every map below is keyed by a different
// attribute of the same logical entry; Add/Remove keep them in lock-step.
type Store struct {
	mu sync.RWMutex

	dialogsByID  map[string]*Dialog
	dialogsByLeg map[LegID]*Dialog

	iipsByLeg  map[LegID]*IIP
	iipsByTxID map[string]*IIP
	iipsByReliable map[string]*IIP

	ripsByTxID map[string]*RIP
}

func New() *Store {
	return &Store{
		dialogsByID:    make(map[string]*Dialog),
		dialogsByLeg:   make(map[LegID]*Dialog),
		iipsByLeg:      make(map[LegID]*IIP),
		iipsByTxID:     make(map[string]*IIP),
		iipsByReliable: make(map[string]*IIP),
		ripsByTxID:     make(map[string]*RIP),
	}
}

// AddIIP registers a newly created invite-in-progress under its leg and
// transaction-id indices.
func (s *Store) AddIIP(iip *IIP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iipsByLeg[iip.Leg] = iip
	s.iipsByTxID[iip.TransactionID] = iip
	if iip.ReliableHandle != "" {
		s.iipsByReliable[iip.ReliableHandle] = iip
	}
}

func (s *Store) IIPByTransactionID(id string) (*IIP, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	iip, ok := s.iipsByTxID[id]
	return iip, ok
}

func (s *Store) IIPByLeg(leg LegID) (*IIP, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	iip, ok := s.iipsByLeg[leg]
	return iip, ok
}

func (s *Store) IIPByReliableHandle(h string) (*IIP, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	iip, ok := s.iipsByReliable[h]
	return iip, ok
}

// SetReliableHandle indexes (or re-indexes) the IIP's PRACK handle; passing
// "" clears any existing index entry, per "destroyed on PRACK or IIP
// teardown" (spec §4.3.1/§9).
func (s *Store) SetReliableHandle(iip *IIP, h string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if iip.ReliableHandle != "" {
		delete(s.iipsByReliable, iip.ReliableHandle)
	}
	iip.ReliableHandle = h
	if h != "" {
		s.iipsByReliable[h] = iip
	}
}

// RemoveIIP drops every index entry for iip. Called on promotion to a
// stable dialog, on final non-2xx, on CANCEL completion, or on
// max-proceeding timeout (spec §3 "Lifetime").
func (s *Store) RemoveIIP(iip *IIP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.iipsByLeg, iip.Leg)
	delete(s.iipsByTxID, iip.TransactionID)
	if iip.ReliableHandle != "" {
		delete(s.iipsByReliable, iip.ReliableHandle)
	}
	iip.MaxProceedingTimer.Cancel()
}

// PromoteDialog moves a leg from the IIP arena to the stable-dialog arena
// in one locked step, enforcing invariant (b): no two stable dialogs share
// a dialogId.
func (s *Store) PromoteDialog(iip *IIP, d *Dialog) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.dialogsByID[d.ID]; exists {
		return false
	}
	delete(s.iipsByLeg, iip.Leg)
	delete(s.iipsByTxID, iip.TransactionID)
	if iip.ReliableHandle != "" {
		delete(s.iipsByReliable, iip.ReliableHandle)
	}
	iip.MaxProceedingTimer.Cancel()

	s.dialogsByID[d.ID] = d
	s.dialogsByLeg[d.Leg] = d
	return true
}

func (s *Store) DialogByID(id string) (*Dialog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dialogsByID[id]
	return d, ok
}

func (s *Store) DialogByLeg(leg LegID) (*Dialog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dialogsByLeg[leg]
	return d, ok
}

// RemoveDialog drops a torn-down dialog (BYE completion) from both
// indices and cancels any outstanding timer-D/session-refresh handles.
func (s *Store) RemoveDialog(d *Dialog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dialogsByID, d.ID)
	delete(s.dialogsByLeg, d.Leg)
	d.ackRetention.Cancel()
	d.sessionRefresh.Cancel()
}

// SetAckRetention and SetSessionRefresh let dialogctl park timerq handles
// on the dialog entry the store owns, rather than keep a side-table.
func (s *Store) SetAckRetention(d *Dialog, h timerq.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.ackRetention.Cancel()
	d.ackRetention = h
}

func (s *Store) SetSessionRefresh(d *Dialog, h timerq.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.sessionRefresh.Cancel()
	d.sessionRefresh = h
}

// AddRIP registers a request-in-progress under its transaction-id index.
func (s *Store) AddRIP(r *RIP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ripsByTxID[r.TransactionID] = r
}

func (s *Store) RIPByTransactionID(id string) (*RIP, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.ripsByTxID[id]
	return r, ok
}

// RemoveRIP drops a completed (response received or transaction timed out)
// request-in-progress.
func (s *Store) RemoveRIP(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ripsByTxID, id)
}

// Counts returns a snapshot of arena sizes for the watchdog task (spec
// §2), mirroring original_source/src/stats-collector.cpp's periodic
// counters dump.
type Counts struct {
	Dialogs int
	IIPs    int
	RIPs    int
}

func (s *Store) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Counts{
		Dialogs: len(s.dialogsByID),
		IIPs:    len(s.iipsByTxID),
		RIPs:    len(s.ripsByTxID),
	}
}
