// Package vision turns a camera frame into a liquid level measurement.
//
// Estimate is a pure function of the frame, the calibrated region of
// interest, the tuning parameters and the prior accepted level. It never
// panics: anything it cannot make sense of becomes an invalid measurement
// carrying a FaultReason.
package vision

import (
	"image"
	"time"
)

// Frame is one captured image.
type Frame struct {
	Image     image.Image
	Timestamp time.Time
	Index     uint64
}

// FaultReason says why a measurement is invalid.
type FaultReason string

const (
	FaultNone           FaultReason = ""
	FaultMalformedFrame FaultReason = "malformed_frame"
	FaultFramingChanged FaultReason = "framing_changed"
	FaultROIUnreadable  FaultReason = "roi_unreadable"
	FaultNoLiquid       FaultReason = "no_liquid"
	FaultImplausibleJmp FaultReason = "implausible_jump"
)

// RawMeasurement is the single-frame estimate handed to the filter.
type RawMeasurement struct {
	// LevelMM is the detected level. For an implausible jump it holds the
	// rejected candidate; otherwise it is zero when Valid is false.
	LevelMM float64 `json:"level_mm"`
	// BoundaryRow is the image row of the liquid/air boundary, -1 if none.
	BoundaryRow int         `json:"boundary_row"`
	Valid       bool        `json:"valid"`
	Quality     float64     `json:"quality"`
	Timestamp   time.Time   `json:"timestamp"`
	Fault       FaultReason `json:"fault,omitempty"`
}

// Invalid returns an invalid measurement for reason.
func Invalid(ts time.Time, reason FaultReason) RawMeasurement {
	return RawMeasurement{BoundaryRow: -1, Timestamp: ts, Fault: reason}
}

// Prior is the last accepted level, used for jump rejection.
type Prior struct {
	LevelMM float64
	Valid   bool
}
