package align

import (
	"errors"
	"fmt"
)

var (
	// ErrInputGeometry is returned when a plane misses the atlas volume or is degenerate
	ErrInputGeometry = errors.New("input geometry error")

	// ErrRegistrationDivergence is returned when the deformable field folds and
	// regularisation back-off cannot stabilise it
	ErrRegistrationDivergence = errors.New("registration diverged")

	// ErrDeviceEnvelopeExceeded is returned when calibrated geometry leaves the device's reachable area
	ErrDeviceEnvelopeExceeded = errors.New("device envelope exceeded")

	// ErrInvalidPolygon is returned for open or self-intersecting outlines at export
	ErrInvalidPolygon = errors.New("invalid polygon")

	// ErrAtlasClosed is returned by an AtlasStore that no longer hands out leases
	ErrAtlasClosed = errors.New("atlas store closed")
)

// EnvelopeError names the shape that left the device envelope
type EnvelopeError struct {
	Region    uint32
	Component int
	Point     Point // offending point in device units
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("region %d component %d: point (%.3f, %.3f) outside device envelope",
		e.Region, e.Component, e.Point.X, e.Point.Y)
}

// Unwrap lets errors.Is match ErrDeviceEnvelopeExceeded
func (e *EnvelopeError) Unwrap() error {
	return ErrDeviceEnvelopeExceeded
}

// WarningKind classifies a non-fatal pipeline condition
type WarningKind string

const (
	WarnUnassignedRegion        WarningKind = "unassigned_region"
	WarnBoundaryExtractionEmpty WarningKind = "boundary_extraction_empty"
	WarnRegistrationDivergence  WarningKind = "registration_divergence"
	WarnLowConfidence           WarningKind = "low_confidence"
)

// Warning is a structured quality signal returned next to a usable result
type Warning struct {
	Kind     WarningKind `json:"kind"`
	Region   uint32      `json:"region,omitempty"`
	Fraction float64     `json:"fraction,omitempty"`
	Message  string      `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Kind, w.Message)
}
