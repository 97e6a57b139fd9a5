// Package quality scores submitted voice recordings. Scoring is pure and
// deterministic: the same audio bytes always produce the same verdict, so a
// profile's aggregate grade is reproducible from its accepted steps.
package quality

import (
	"math"
	"sort"

	"github.com/book-expert/voice-profile-service/internal/core"
)

// Composite weighting. These are a documented policy choice, fixed per
// scorer instance rather than tunable per call.
const (
	weightDuration    = 0.3
	weightSignalNoise = 0.5
	weightClipping    = 0.2
)

// Grade band boundaries on the composite score. Lower bounds are inclusive,
// upper bounds exclusive except for the top band: exactly 0.85 grades
// excellent, 0.8499 grades good.
const (
	bandExcellent = 0.85
	bandGood      = 0.65
	bandFair      = 0.45
)

// Signal analysis constants.
const (
	frameSize         = 2048
	noiseFloorShare   = 0.1 // quietest share taken as noise floor, loudest as voiced
	clippingAmplitude = 0.99
	silenceEpsilon    = 1e-6
)

// Config holds the scoring thresholds. Zero values are replaced by defaults
// so a zero Config is usable.
type Config struct {
	// MinDurationSeconds is the duration below which the duration
	// sub-score is 0. Default 1.5s.
	MinDurationSeconds float64 `toml:"min_duration_seconds"`
	// TargetDurationSeconds is the duration at which the duration
	// sub-score reaches 1.0. Default 3s.
	TargetDurationSeconds float64 `toml:"target_duration_seconds"`
	// SNRCeilingDB normalizes the signal-to-noise estimate: this many dB
	// or more maps to a sub-score of 1.0. Default 40 dB.
	SNRCeilingDB float64 `toml:"snr_ceiling_db"`
	// ClippingTolerance is the clipped-sample fraction at which the
	// clipping sub-score reaches 0. Default 0.05.
	ClippingTolerance float64 `toml:"clipping_tolerance"`
}

func (c Config) withDefaults() Config {
	if c.MinDurationSeconds == 0 {
		c.MinDurationSeconds = 1.5
	}

	if c.TargetDurationSeconds == 0 {
		c.TargetDurationSeconds = 3.0
	}

	if c.SNRCeilingDB == 0 {
		c.SNRCeilingDB = 40.0
	}

	if c.ClippingTolerance == 0 {
		c.ClippingTolerance = 0.05
	}

	return c
}

// Scorer turns raw audio into quality verdicts. Safe for concurrent use; it
// holds no mutable state.
type Scorer struct {
	cfg Config
}

// NewScorer creates a scorer with the given thresholds.
func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg.withDefaults()}
}

// Score computes the quality verdict for one audio sample. It fails with an
// empty-audio error on zero-length input and an unsupported-format error on
// anything the decoder cannot parse.
func (s *Scorer) Score(audio []byte, meta core.AudioMetadata) (core.QualityScore, error) {
	score, _, err := s.Evaluate(audio, meta)

	return score, err
}

// Evaluate computes the quality verdict and the decoded duration in seconds
// from a single decode of the sample.
func (s *Scorer) Evaluate(audio []byte, _ core.AudioMetadata) (core.QualityScore, float64, error) {
	if len(audio) == 0 {
		return core.QualityScore{}, 0, core.NewError(core.CodeEmptyAudio, "audio data is empty")
	}

	clip, err := decodeWAV(audio)
	if err != nil {
		return core.QualityScore{}, 0, core.NewError(
			core.CodeUnsupportedAudioFormat, "failed to decode audio: %v", err,
		).WithSuggestions("submit 16-bit PCM WAV audio")
	}

	durationScore := s.durationScore(clip.duration())
	snrScore := s.signalNoiseScore(clip.samples)
	clippingScore := s.clippingScore(clip.samples)

	composite := weightDuration*durationScore +
		weightSignalNoise*snrScore +
		weightClipping*clippingScore

	score := core.QualityScore{
		Composite:   composite,
		Duration:    durationScore,
		SignalNoise: snrScore,
		Clipping:    clippingScore,
		Grade:       GradeFor(composite),
	}

	return score, clip.duration(), nil
}

// DurationSeconds reports the decoded length of the sample without scoring
// it. Used by the session manager to record accepted step durations.
func (s *Scorer) DurationSeconds(audio []byte) (float64, error) {
	clip, err := decodeWAV(audio)
	if err != nil {
		return 0, core.NewError(core.CodeUnsupportedAudioFormat, "failed to decode audio: %v", err)
	}

	return clip.duration(), nil
}

// GradeFor maps a composite score to its grade band.
func GradeFor(composite float64) core.Grade {
	switch {
	case composite >= bandExcellent:
		return core.GradeExcellent
	case composite >= bandGood:
		return core.GradeGood
	case composite >= bandFair:
		return core.GradeFair
	default:
		return core.GradePoor
	}
}

// durationScore is 0 below the minimum, ramps linearly to 1.0 at the target,
// and caps at 1.0 beyond.
func (s *Scorer) durationScore(seconds float64) float64 {
	if seconds < s.cfg.MinDurationSeconds {
		return 0
	}

	if seconds >= s.cfg.TargetDurationSeconds {
		return 1
	}

	return (seconds - s.cfg.MinDurationSeconds) /
		(s.cfg.TargetDurationSeconds - s.cfg.MinDurationSeconds)
}

// signalNoiseScore estimates voiced-signal energy against the noise floor.
// Frame RMS values are sorted; the quietest decile approximates the noise
// floor and the loudest decile the voiced signal. The dB ratio is normalized
// against the configured ceiling.
func (s *Scorer) signalNoiseScore(samples []float64) float64 {
	rms := frameRMS(samples)
	if len(rms) == 0 {
		return 0
	}

	sort.Float64s(rms)

	edge := len(rms) / int(1/noiseFloorShare)
	if edge == 0 {
		edge = 1
	}

	noise := mean(rms[:edge])
	voiced := mean(rms[len(rms)-edge:])

	if voiced <= silenceEpsilon {
		return 0
	}

	if noise < silenceEpsilon {
		noise = silenceEpsilon
	}

	snrDB := 20 * math.Log10(voiced/noise)

	return math.Max(0, math.Min(1, snrDB/s.cfg.SNRCeilingDB))
}

// clippingScore is the inverted fraction of samples at or near full scale.
func (s *Scorer) clippingScore(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}

	var clipped int

	for _, sample := range samples {
		if math.Abs(sample) >= clippingAmplitude {
			clipped++
		}
	}

	ratio := float64(clipped) / float64(len(samples))

	return math.Max(0, 1-ratio/s.cfg.ClippingTolerance)
}

func frameRMS(samples []float64) []float64 {
	if len(samples) < frameSize {
		if len(samples) == 0 {
			return nil
		}

		return []float64{rmsOf(samples)}
	}

	frames := len(samples) / frameSize
	values := make([]float64, 0, frames)

	for i := 0; i < frames*frameSize; i += frameSize {
		values = append(values, rmsOf(samples[i:i+frameSize]))
	}

	return values
}

func rmsOf(frame []float64) float64 {
	var sum float64

	for _, sample := range frame {
		sum += sample * sample
	}

	return math.Sqrt(sum / float64(len(frame)))
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64

	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}
