// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ledgererr defines the cross-cutting error kinds shared by every
// component of the ledger core. Individual packages may additionally
// declare package-local sentinel errors (config/errors.go style) for
// conditions that never cross a package boundary.
package ledgererr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error kinds of spec §7.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindInvalidSignature
	KindOutOfOrder
	KindInconsistentPrefix
	KindCommittedTruncation // fatal
	KindSnapshotCorrupt     // fatal
	KindEquivocationDetected
	KindPeerUnreachable
	KindStreamAborted
	KindTimeout
	KindUnavailable
	KindQuorumNotReached
	KindDuplicateVote
	KindStaleTerm
	KindFull
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "InvalidInput"
	case KindInvalidSignature:
		return "InvalidSignature"
	case KindOutOfOrder:
		return "OutOfOrder"
	case KindInconsistentPrefix:
		return "InconsistentPrefix"
	case KindCommittedTruncation:
		return "CommittedTruncation"
	case KindSnapshotCorrupt:
		return "SnapshotCorrupt"
	case KindEquivocationDetected:
		return "EquivocationDetected"
	case KindPeerUnreachable:
		return "PeerUnreachable"
	case KindStreamAborted:
		return "StreamAborted"
	case KindTimeout:
		return "Timeout"
	case KindUnavailable:
		return "Unavailable"
	case KindQuorumNotReached:
		return "QuorumNotReached"
	case KindDuplicateVote:
		return "DuplicateVote"
	case KindStaleTerm:
		return "StaleTerm"
	case KindFull:
		return "Full"
	case KindNotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

// Fatal reports whether the kind must halt the process per spec §4.5.8/§7.
func (k Kind) Fatal() bool {
	return k == KindCommittedTruncation || k == KindSnapshotCorrupt
}

// Retryable reports whether the kind is handled locally with bounded
// retry per spec §7 propagation rules.
func (k Kind) Retryable() bool {
	return k == KindPeerUnreachable || k == KindStreamAborted
}

// Error is the concrete error type carried across component boundaries.
// It mirrors the teacher's engine/core AppError{Code,Message} shape,
// generalized to a typed Kind instead of an int32 wire code and with an
// optional wrapped cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is implements errors.Is by Kind, matching engine/core.AppError's
// code-comparison semantics.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return e == nil && target == nil
	}
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf extracts the Kind carried by err, or KindUnknown if err does not
// wrap a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
