// Package cdr builds and delivers call-detail records to application
// clients (spec §6 "S→C CDR"; §8 scenario 2's cdr:start/cdr:stop pair).
//
// Grounded on original_source/src/cdr.cpp/.hpp: the same three record
// types (attempt, start, stop) and the same metadata line shape
// (recordType|source|time[|role-or-reason]) followed by the raw message,
// re-expressed as a value type plus an Encode method instead of a
// shared_ptr'd class hierarchy, and posted to a client the same way the
// original posts via boost::asio::post — here, Controller.Post hands
// off to whatever sink the engine wired in (an appclient.Controller's
// verb-subscriber selection for "cdr:*", in production).
package cdr

import (
	"fmt"
	"time"
)

// RecordType names which of the three CDR events this record reports.
type RecordType int

const (
	RecordAttempt RecordType = iota
	RecordStart
	RecordStop
)

func (r RecordType) String() string {
	switch r {
	case RecordAttempt:
		return "cdr:attempt"
	case RecordStart:
		return "cdr:start"
	case RecordStop:
		return "cdr:stop"
	default:
		return "cdr:unknown"
	}
}

// AgentRole names which side of the call this engine instance represents
// for a start record.
type AgentRole int

const (
	RoleUndefined AgentRole = iota
	RoleProxyUAC
	RoleProxyUAS
	RoleUAC
	RoleUAS
)

func (r AgentRole) String() string {
	switch r {
	case RoleProxyUAC:
		return "proxy-uac"
	case RoleProxyUAS:
		return "proxy-uas"
	case RoleUAC:
		return "uac"
	case RoleUAS:
		return "uas"
	default:
		return "undefined"
	}
}

// TerminationReason names why a dialog ended, for a stop record.
type TerminationReason int

const (
	ReasonNone TerminationReason = iota
	ReasonCallRejected
	ReasonCallCanceled
	ReasonNormalRelease
	ReasonSessionExpired
	ReasonAckBye
	ReasonSystemInitiated
	ReasonSystemError
)

func (r TerminationReason) String() string {
	switch r {
	case ReasonCallRejected:
		return "call-rejected"
	case ReasonCallCanceled:
		return "call-canceled"
	case ReasonNormalRelease:
		return "normal-release"
	case ReasonSessionExpired:
		return "session-expired"
	case ReasonAckBye:
		return "ackbye"
	case ReasonSystemInitiated:
		return "system-initiated-termination"
	case ReasonSystemError:
		return "system-error-initiated-termination"
	default:
		return "undefined"
	}
}

// Record is one call-detail record awaiting delivery.
type Record struct {
	Type      RecordType
	Source    string // network|<peer-addr>, per the original's "source" field
	EventTime time.Time
	Role      AgentRole
	Reason    TerminationReason
	RawSIP    string
}

// NewAttempt builds an attempt record (spec §4.6 item 6 "INVITE: ...
// emit an attempt CDR").
func NewAttempt(source, rawSIP string) *Record {
	return &Record{Type: RecordAttempt, Source: source, EventTime: time.Now(), RawSIP: rawSIP}
}

// NewStart builds a start record, stamped when the dialog is confirmed.
func NewStart(source string, role AgentRole, rawSIP string) *Record {
	return &Record{Type: RecordStart, Source: source, EventTime: time.Now(), Role: role, RawSIP: rawSIP}
}

// NewStop builds a stop record, stamped when the dialog is torn down.
func NewStop(source string, reason TerminationReason, rawSIP string) *Record {
	return &Record{Type: RecordStop, Source: source, EventTime: time.Now(), Reason: reason, RawSIP: rawSIP}
}

// EncodeMetaData renders the pipe-delimited metadata line that precedes
// the raw SIP message in a CDR frame (spec §6's `<recordType>|<source>|
// <time>[|<role>|<reason>]`), mirroring Cdr::encodeMetaData's
// record-type-conditional trailing field.
func (r *Record) EncodeMetaData() string {
	meta := fmt.Sprintf("%s|%s|%s", r.Type, r.Source, r.EventTime.Format("15:04:05.000000"))
	switch r.Type {
	case RecordStart:
		meta += "|" + r.Role.String()
	case RecordStop:
		meta += "|" + r.Reason.String()
	}
	return meta
}

// Sink is whatever the engine wired in to actually deliver a CDR frame to
// a chosen application client (an appclient.Client.SendCDR call, in
// production; a recording slice in tests).
type Sink func(rec *Record) error

// Controller gates CDR delivery on whether CDR generation is enabled at
// all (spec "if( theOneAndOnlyController->getConfig()->generateCdrs() )").
type Controller struct {
	enabled bool
	sink    Sink
}

// New builds a Controller. sink may be nil if enabled is false.
func New(enabled bool, sink Sink) *Controller {
	return &Controller{enabled: enabled, sink: sink}
}

// Post delivers rec via the configured sink, unless CDR generation is
// disabled, in which case it is a silent no-op (mirroring postCdr's
// config-gated early return).
func (c *Controller) Post(rec *Record) error {
	if !c.enabled || c.sink == nil {
		return nil
	}
	return c.sink(rec)
}

// Enabled reports whether CDR generation is turned on.
func (c *Controller) Enabled() bool {
	return c.enabled
}
