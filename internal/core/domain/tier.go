package domain

import "fmt"

// TierName is one of the fixed quality tier identifiers.
type TierName string

const (
	TierRichest   TierName = "richest"
	TierHigh      TierName = "high"
	TierMedium    TierName = "medium"
	TierLow       TierName = "low"
	TierUltraLow  TierName = "ultra-low"
	TierAudioOnly TierName = "audio-only"
)

// QualityTier is an immutable catalog entry. Bitrates are in kbps.
type QualityTier struct {
	Name         TierName
	Width        int
	Height       int
	FrameRate    int
	VideoBitrate int
	AudioBitrate int
}

// TotalBandwidth is the tier's bandwidth requirement in kbps.
func (t QualityTier) TotalBandwidth() int {
	return t.VideoBitrate + t.AudioBitrate
}

// AudioOnly reports whether the tier carries no video.
func (t QualityTier) AudioOnly() bool {
	return t.VideoBitrate == 0
}

// VideoConstraints returns the capture constraints for the tier, nil for
// audio-only.
func (t QualityTier) VideoConstraints() *VideoConstraints {
	if t.AudioOnly() {
		return nil
	}
	return &VideoConstraints{
		Width:     t.Width,
		Height:    t.Height,
		FrameRate: t.FrameRate,
		Bitrate:   t.VideoBitrate,
	}
}

// MediaConstraints returns the full capture request for the tier.
func (t QualityTier) MediaConstraints() MediaConstraints {
	audio := DefaultAudioProfile
	audio.Bitrate = t.AudioBitrate
	return MediaConstraints{
		Audio: &audio,
		Video: t.VideoConstraints(),
	}
}

func (t QualityTier) String() string {
	if t.AudioOnly() {
		return fmt.Sprintf("%s (%dkbps)", t.Name, t.TotalBandwidth())
	}
	return fmt.Sprintf("%s %dx%d@%d (%dkbps)", t.Name, t.Width, t.Height, t.FrameRate, t.TotalBandwidth())
}

// catalog is ordered richest first, strictly decreasing by total bandwidth.
var catalog = []QualityTier{
	{Name: TierRichest, Width: 1920, Height: 1080, FrameRate: 30, VideoBitrate: 2000, AudioBitrate: 328},
	{Name: TierHigh, Width: 1280, Height: 720, FrameRate: 30, VideoBitrate: 1200, AudioBitrate: 256},
	{Name: TierMedium, Width: 854, Height: 480, FrameRate: 25, VideoBitrate: 800, AudioBitrate: 192},
	{Name: TierLow, Width: 426, Height: 240, FrameRate: 20, VideoBitrate: 400, AudioBitrate: 128},
	{Name: TierUltraLow, Width: 256, Height: 144, FrameRate: 15, VideoBitrate: 150, AudioBitrate: 96},
	{Name: TierAudioOnly, AudioBitrate: 64},
}

// Catalog returns a copy of the tier table, richest first.
func Catalog() []QualityTier {
	tiers := make([]QualityTier, len(catalog))
	copy(tiers, catalog)
	return tiers
}

// AudioOnlyTier is the floor of the catalog.
func AudioOnlyTier() QualityTier {
	return catalog[len(catalog)-1]
}

// RichestTier is the top of the catalog.
func RichestTier() QualityTier {
	return catalog[0]
}

// LowestVideoTier is the poorest tier that still carries video.
func LowestVideoTier() QualityTier {
	return catalog[len(catalog)-2]
}

// TierByName looks a tier up by its identifier.
func TierByName(name TierName) (QualityTier, error) {
	for _, t := range catalog {
		if t.Name == name {
			return t, nil
		}
	}
	return QualityTier{}, fmt.Errorf("%w: %q", ErrUnknownTier, name)
}

// SafetyMargin is the share of a bandwidth estimate a tier may consume.
const SafetyMargin = 0.8

// RequiredEstimate is the smallest whole estimate, in kbps, whose margin
// still fits t.
func RequiredEstimate(t QualityTier) int {
	need := float64(t.TotalBandwidth())
	kbps := int(need / SafetyMargin)
	for float64(kbps)*SafetyMargin < need {
		kbps++
	}
	return kbps
}

// SelectTier returns the richest tier whose total bandwidth fits within
// budget (kbps), or the audio-only floor when none does.
func SelectTier(budget float64) QualityTier {
	for _, t := range catalog {
		if float64(t.TotalBandwidth()) <= budget {
			return t
		}
	}
	return AudioOnlyTier()
}
