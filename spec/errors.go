package spec

import "errors"

var (
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrParse marks an inbound act that references an unknown slot or carries a malformed intent.
	ErrParse = errors.New("parse error")

	// ErrRetrieval marks a retrieval backend failure that survived all retries.
	ErrRetrieval = errors.New("retrieval error")

	// ErrState marks an undefined policy state/act combination.
	ErrState = errors.New("state error")

	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidConstraints is returned by retrievers for empty constraint sets. It is never retried.
	ErrInvalidConstraints = errors.New("invalid constraints")

	ErrMovieNotFound = errors.New("movie not found")
	ErrStoreClosed   = errors.New("store closed")
)

// ErrorKind maps a recovered error onto the short kind reported in SystemAct.Error.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, ErrRetrieval):
		return "retrieval"
	case errors.Is(err, ErrState):
		return "state"
	default:
		return "internal"
	}
}
