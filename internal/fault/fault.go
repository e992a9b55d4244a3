package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how callers should react to it, not by
// where it came from.
type Kind int

const (
	// KindTransient covers network and timeout failures against any
	// backing store. Safe to retry on the next run or attempt.
	KindTransient Kind = iota
	// KindQuota means the user's storage quota is exhausted. Fatal for
	// the item, not for the run.
	KindQuota
	// KindValidation covers corrupt, oversized or unsupported content.
	// The item is skipped and reported.
	KindValidation
	// KindAuth means credential refresh failed. The whole run aborts.
	KindAuth
	// KindConsistency marks drift between the metadata store and the
	// vector index. Only the orphan sweep ever reports this.
	KindConsistency
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindQuota:
		return "quota"
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindConsistency:
		return "consistency"
	}
	return "unknown"
}

// Error wraps an underlying error with a Kind. It supports errors.Is on
// the kind sentinels below and errors.As for direct access.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of err, defaulting to KindTransient for
// unclassified errors so that unknown failures stay retryable.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
