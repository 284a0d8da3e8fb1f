package format

import (
	"math"

	"github.com/video-system/go-webcam/pkg/camerr"
)

// Closest distance weights. A relative resolution error costs four times a
// relative frame-rate error of the same size.
const (
	ResolutionWeight = 4.0
	FrameRateWeight  = 1.0
)

// Negotiate resolves requested against the formats a device enumerates.
// The result is always an element of available. Drivers list their default
// format first, which is what None returns.
func Negotiate(requested RequestedFormat, available []CameraFormat) (CameraFormat, error) {
	if len(available) == 0 {
		return CameraFormat{}, camerr.New(camerr.NoMatchingFormat, "negotiate", "device reports no formats")
	}

	switch requested.kind {
	case RequestNone:
		return available[0], nil

	case RequestExact:
		for _, f := range available {
			if f.Equal(requested.format) {
				return f, nil
			}
		}
		return CameraFormat{}, camerr.New(camerr.NoMatchingFormat, "negotiate", "no exact match for %s", requested.format)

	case RequestClosest:
		return closest(requested.format, available)

	case RequestAbsoluteHighestResolution:
		return maxBy(available, func(a, b CameraFormat) int { return a.Compare(b) }), nil

	case RequestAbsoluteHighestFrameRate:
		return maxBy(available, func(a, b CameraFormat) int {
			if c := a.FrameRate.Cmp(b.FrameRate); c != 0 {
				return c
			}
			return cmpPixels(a, b)
		}), nil

	case RequestHighestResolution:
		var matching []CameraFormat
		for _, f := range available {
			if f.FrameRate.Equal(requested.rate) {
				matching = append(matching, f)
			}
		}
		if len(matching) == 0 {
			return CameraFormat{}, camerr.New(camerr.NoMatchingFormat, "negotiate", "no format at %sfps", requested.rate)
		}
		return maxBy(matching, cmpPixels), nil

	case RequestHighestFrameRate:
		var matching []CameraFormat
		for _, f := range available {
			if f.Resolution == requested.resolution {
				matching = append(matching, f)
			}
		}
		if len(matching) == 0 {
			return CameraFormat{}, camerr.New(camerr.NoMatchingFormat, "negotiate", "no format at %s", requested.resolution)
		}
		return maxBy(matching, func(a, b CameraFormat) int { return a.FrameRate.Cmp(b.FrameRate) }), nil
	}

	return CameraFormat{}, camerr.New(camerr.NoMatchingFormat, "negotiate", "unknown policy %s", requested.kind)
}

func cmpPixels(a, b CameraFormat) int {
	pa, pb := a.Resolution.Pixels(), b.Resolution.Pixels()
	switch {
	case pa < pb:
		return -1
	case pa > pb:
		return 1
	}
	return 0
}

// maxBy returns the first maximal element, so ties keep enumeration order.
func maxBy(formats []CameraFormat, cmp func(a, b CameraFormat) int) CameraFormat {
	best := formats[0]
	for _, f := range formats[1:] {
		if cmp(f, best) > 0 {
			best = f
		}
	}
	return best
}

// Distance is the Closest metric between a target and a candidate.
func Distance(target, candidate CameraFormat) float64 {
	d := 0.0
	if px := float64(target.Resolution.Pixels()); px > 0 {
		d += ResolutionWeight * math.Abs(float64(candidate.Resolution.Pixels())-px) / px
	} else {
		d += ResolutionWeight * float64(candidate.Resolution.Pixels())
	}
	if fps := target.FrameRate.Float(); fps > 0 {
		d += FrameRateWeight * math.Abs(candidate.FrameRate.Float()-fps) / fps
	} else {
		d += FrameRateWeight * candidate.FrameRate.Float()
	}
	return d
}

func closest(target CameraFormat, available []CameraFormat) (CameraFormat, error) {
	found := false
	var best CameraFormat
	var bestDist float64
	for _, f := range available {
		if !target.FourCC.IsZero() && f.FourCC != target.FourCC {
			continue
		}
		d := Distance(target, f)
		if !found || d < bestDist || (d == bestDist && f.Compare(best) > 0) {
			best, bestDist, found = f, d, true
		}
	}
	if !found {
		return CameraFormat{}, camerr.New(camerr.NoMatchingFormat, "negotiate", "no %s format available", target.FourCC)
	}
	return best, nil
}
