package cdr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeMetaDataAttemptHasNoTrailingField(t *testing.T) {
	rec := NewAttempt("network|10.0.0.1:5060", "INVITE sip:bob@example.com SIP/2.0\r\n\r\n")
	meta := rec.EncodeMetaData()
	assert.Contains(t, meta, "cdr:attempt|network|10.0.0.1:5060|")
}

func TestEncodeMetaDataStartIncludesRole(t *testing.T) {
	rec := NewStart("network|10.0.0.1:5060", RoleUAS, "INVITE ...")
	meta := rec.EncodeMetaData()
	assert.Contains(t, meta, "cdr:start|network|10.0.0.1:5060|")
	assert.Contains(t, meta, "|uas")
}

func TestEncodeMetaDataStopIncludesReason(t *testing.T) {
	rec := NewStop("network|10.0.0.1:5060", ReasonNormalRelease, "BYE ...")
	meta := rec.EncodeMetaData()
	assert.Contains(t, meta, "cdr:stop|network|10.0.0.1:5060|")
	assert.Contains(t, meta, "|normal-release")
}

func TestPostDisabledControllerIsNoop(t *testing.T) {
	called := false
	c := New(false, func(rec *Record) error { called = true; return nil })
	require.NoError(t, c.Post(NewAttempt("src", "raw")))
	assert.False(t, called)
}

func TestPostEnabledControllerInvokesSink(t *testing.T) {
	var got *Record
	c := New(true, func(rec *Record) error { got = rec; return nil })
	rec := NewAttempt("src", "raw")
	require.NoError(t, c.Post(rec))
	assert.Same(t, rec, got)
}

func TestPostPropagatesSinkError(t *testing.T) {
	c := New(true, func(rec *Record) error { return errors.New("boom") })
	err := c.Post(NewAttempt("src", "raw"))
	assert.Error(t, err)
}

func TestRecordTypeStringer(t *testing.T) {
	assert.Equal(t, "cdr:attempt", RecordAttempt.String())
	assert.Equal(t, "cdr:start", RecordStart.String())
	assert.Equal(t, "cdr:stop", RecordStop.String())
}

func TestTerminationReasonStringer(t *testing.T) {
	assert.Equal(t, "call-canceled", ReasonCallCanceled.String())
	assert.Equal(t, "session-expired", ReasonSessionExpired.String())
	assert.Equal(t, "ackbye", ReasonAckBye.String())
}
