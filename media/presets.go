package media

import (
	"time"

	"github.com/cloudstream/streamcore/transport"
)

// Preset bundles the tuning knobs of one named streaming mode. Presets
// trade latency against smoothness and loss resilience.
type Preset struct {
	Name string

	// Codecs in negotiation preference order.
	Codecs []transport.Codec

	MaxBitrateKbps uint32
	MinBitrateKbps uint32
	TargetFPS      int

	// FECFloor is the minimum redundancy ratio; the controller raises
	// the effective ratio above it under loss.
	FECFloor float64

	// TargetDepth is the jitter buffer's release delay.
	TargetDepth time.Duration
}

// The built-in streaming modes.
var (
	// PresetCompetitive minimizes latency at the cost of smoothness.
	PresetCompetitive = Preset{
		Name:           "competitive",
		Codecs:         []transport.Codec{transport.CodecH265, transport.CodecH264, transport.CodecAV1},
		MaxBitrateKbps: 20000,
		MinBitrateKbps: 3000,
		TargetFPS:      120,
		FECFloor:       0.05,
		TargetDepth:    4 * time.Millisecond,
	}

	// PresetBalanced is the default trade-off.
	PresetBalanced = Preset{
		Name:           "balanced",
		Codecs:         []transport.Codec{transport.CodecH265, transport.CodecH264, transport.CodecAV1},
		MaxBitrateKbps: 35000,
		MinBitrateKbps: 2000,
		TargetFPS:      60,
		FECFloor:       0.10,
		TargetDepth:    16 * time.Millisecond,
	}

	// PresetCinematic favors picture quality and smoothness.
	PresetCinematic = Preset{
		Name:           "cinematic",
		Codecs:         []transport.Codec{transport.CodecAV1, transport.CodecH265, transport.CodecH264},
		MaxBitrateKbps: 60000,
		MinBitrateKbps: 2000,
		TargetFPS:      30,
		FECFloor:       0.20,
		TargetDepth:    33 * time.Millisecond,
	}
)

// PresetByName looks up a streaming mode by its signaling name.
func PresetByName(name string) (Preset, error) {
	switch name {
	case "competitive":
		return PresetCompetitive, nil
	case "balanced", "":
		return PresetBalanced, nil
	case "cinematic":
		return PresetCinematic, nil
	default:
		return Preset{}, ErrUnknownPreset
	}
}

// FrameInterval returns the pacing interval for the preset's frame rate.
func (p Preset) FrameInterval() time.Duration {
	if p.TargetFPS <= 0 {
		return time.Second / 60
	}
	return time.Second / time.Duration(p.TargetFPS)
}
