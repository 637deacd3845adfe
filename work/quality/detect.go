package quality

import (
	"context"
	"net/url"

	"iptv-hub/work/types"
)

// Detection is the outcome of resolving a variant's quality.
type Detection struct {
	Tier    Tier
	Bitrate int    // kbps, 0 when unknown
	Codec   string // e.g. "h264"
	Method  string // types.DetectedBy*
}

// Resolution returns the tier label.
func (d Detection) Resolution() string { return d.Tier.String() }

// Score returns the quality score of the detection.
func (d Detection) Score() int { return Score(d.Tier, d.Bitrate) }

// ApplyTo copies the detection onto a variant and recomputes its score.
func (d Detection) ApplyTo(v *types.StreamVariant) {
	v.Resolution = d.Resolution()
	v.Bitrate = d.Bitrate
	v.Codec = d.Codec
	v.DetectionMethod = d.Method
	v.QualityScore = d.Score()
}

// Detector resolves quality from the name, then the URL path, then an
// optional probe. The first source that yields a tier wins.
type Detector struct {
	prober *Prober
}

// NewDetector creates a detector. A nil prober disables probing.
func NewDetector(prober *Prober) *Detector {
	return &Detector{prober: prober}
}

// Detect never fails; an undetectable stream returns TierUnknown with
// method "none".
func (d *Detector) Detect(ctx context.Context, name, streamURL string) Detection {
	if t := tierFromText(name); t != TierUnknown {
		return Detection{Tier: t, Method: types.DetectedByName}
	}
	if t := tierFromText(urlPath(streamURL)); t != TierUnknown {
		return Detection{Tier: t, Method: types.DetectedByURL}
	}
	if d.prober != nil {
		if det, err := d.prober.Probe(ctx, streamURL); err == nil {
			return det
		}
	}
	return Detection{Tier: TierUnknown, Method: types.DetectedNone}
}

// Prober exposes the detector's prober, nil when probing is off.
func (d *Detector) Prober() *Prober { return d.prober }

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}
