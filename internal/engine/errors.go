package engine

import "errors"

var (
	// ErrNoApplicableRule is returned by the manual transition path when the
	// registry has no rule for the requested (from, to, manual) key. The
	// automatic trigger paths never return it; they silently no-op instead.
	ErrNoApplicableRule = errors.New("no applicable transition rule")
	// ErrUnknownProject indicates the project lookup failed.
	ErrUnknownProject = errors.New("unknown project")
	// ErrPhaseMismatch indicates the requested from-phase does not match the
	// project's current phase.
	ErrPhaseMismatch = errors.New("project is not in the requested phase")
)
