package terrain

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyPatch is returned when an operation needs at least one point.
	ErrEmptyPatch = errors.New("patch has no points")

	// ErrInsufficientPoints is returned when fewer points are available than
	// a query or a model requires.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrModelFitFailed is returned when a robust fit finds no viable model.
	ErrModelFitFailed = errors.New("model fit failed")

	// ErrSolverNonConvergence reports that the solver stopped on its
	// iteration budget before meeting a tolerance. Results carrying it are
	// still the best estimate available.
	ErrSolverNonConvergence = errors.New("solver did not converge")

	// ErrInvalidK is returned when a neighbor query asks for k < 1.
	ErrInvalidK = errors.New("k must be positive")

	// ErrSingularPose is returned when a pose cannot be inverted.
	ErrSingularPose = errors.New("pose is not invertible")

	// ErrUnknownPatch is returned for a patch id absent from the configuration.
	ErrUnknownPatch = errors.New("unknown patch")
)

// InsufficientPointsError carries the counts behind an ErrInsufficientPoints.
type InsufficientPointsError struct {
	Requested int
	Available int
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: requested %d, available %d", e.Requested, e.Available)
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

func insufficient(requested, available int) error {
	return &InsufficientPointsError{Requested: requested, Available: available}
}
