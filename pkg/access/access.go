// Package access holds the authorization matrix for pasta records. Everything
// here is a pure function of a flag snapshot so it can be tested without a store.
package access

import "strings"

type Op int

const (
	OpView Op = iota
	OpEdit
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpView:
		return "view"
	case OpEdit:
		return "edit"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

type Flags struct {
	ReadOnly      bool
	Private       bool
	Editable      bool
	EncryptServer bool
	EncryptClient bool
}

type Requirement int

const (
	Open Requirement = iota
	NeedsSecret
	NeedsConfirmation
)

func (r Requirement) String() string {
	switch r {
	case Open:
		return "open"
	case NeedsSecret:
		return "needs_secret"
	case NeedsConfirmation:
		return "needs_confirmation"
	default:
		return "unknown"
	}
}

// Decide returns what op on a record with flags f requires from the caller.
// EncryptClient never gates: the content is opaque to the server already.
func Decide(op Op, f Flags) Requirement {
	switch op {
	case OpView:
		if f.EncryptServer || f.Private {
			return NeedsSecret
		}
		return Open
	case OpEdit:
		if Restricted(f) {
			return NeedsSecret
		}
		return Open
	case OpDelete:
		if Restricted(f) {
			return NeedsConfirmation
		}
		return Open
	}
	return NeedsSecret
}

// Restricted reports whether the record may only be changed through the
// authorized path. Non-editable records are public but immutable.
func Restricted(f Flags) bool {
	return f.EncryptServer || f.ReadOnly || !f.Editable
}

// Confirmed compares the caller's free-text answer with the localized phrase.
// Surrounding whitespace is ignored, case is not.
func Confirmed(input, phrase string) bool {
	if phrase == "" {
		return false
	}
	return strings.TrimSpace(input) == phrase
}

type RemoveState int

const (
	Deleted RemoveState = iota
	AuthPrompt
	ReAuthPrompt
)

func (s RemoveState) String() string {
	switch s {
	case Deleted:
		return "deleted"
	case AuthPrompt:
		return "auth_prompt"
	case ReAuthPrompt:
		return "reauth_prompt"
	default:
		return "unknown"
	}
}

// RemoveStep runs one delete attempt through the state machine:
//
//	Start -> Unrestricted -> Deleted
//	Start -> NeedsAuth -> NoInput -> AuthPrompt
//	                   -> ConfirmedMismatch -> ReAuthPrompt
//	                   -> ConfirmedMatch -> Deleted
func RemoveStep(f Flags, input, phrase string) RemoveState {
	if Decide(OpDelete, f) == Open {
		return Deleted
	}
	if input == "" {
		return AuthPrompt
	}
	if Confirmed(input, phrase) {
		return Deleted
	}
	return ReAuthPrompt
}
