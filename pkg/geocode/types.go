// Package geocode resolves free-form locations to coordinates by driving
// TLS geocoding backends (Here, MapQuest) one attempt at a time.
package geocode

import "fmt"

// Coordinates are a position in degrees.
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// ErrorKind classifies a failed lookup.
type ErrorKind int

const (
	// BackendFailure covers transport, TLS, HTTP and body parsing failures.
	BackendFailure ErrorKind = iota
	// BadRequest means the inbound request was malformed.
	BadRequest
	// LocationNotFound means every configured backend was exhausted.
	LocationNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case BackendFailure:
		return "BackendFailure"
	case BadRequest:
		return "BadRequest"
	case LocationNotFound:
		return "LocationNotFound"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is a classified lookup failure. Cause may be empty.
type Error struct {
	Kind  ErrorKind
	Cause string
}

func (e *Error) Error() string {
	if e.Cause == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Cause
}

// Result holds exactly one of Coords or Err.
type Result struct {
	Coords *Coordinates
	Err    *Error
}

// Success wraps coordinates in a Result.
func Success(c Coordinates) Result {
	return Result{Coords: &c}
}

// Failure builds an error Result.
func Failure(kind ErrorKind, cause string) Result {
	return Result{Err: &Error{Kind: kind, Cause: cause}}
}

// OK reports whether the result carries coordinates.
func (r Result) OK() bool { return r.Coords != nil }
