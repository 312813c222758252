package odometry

import "github.com/pkg/errors"

var (
	// ErrInsufficientCorrespondences is returned when fewer than MinCorrespondences matches are supplied.
	ErrInsufficientCorrespondences = errors.New("insufficient correspondences")
	// ErrDegenerateEssentialMatrix is returned when no consensus essential matrix exists for the
	// correspondences, for example under pure rotation or without parallax.
	ErrDegenerateEssentialMatrix = errors.New("degenerate essential matrix")
	// ErrImplausibleMotion is returned by the MotionGate for a relative pose outside its bounds.
	ErrImplausibleMotion = errors.New("implausible motion")
)
