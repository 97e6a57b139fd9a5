package quality

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// WAV container constants for 16-bit PCM.
const (
	riffHeaderSize = 44
	pcmFormatCode  = 1
	bitsPerSample  = 16
	maxInt16       = 32767
)

// Static decode errors.
var (
	ErrAudioEmpty       = errors.New("audio data is empty")
	ErrNotRIFF          = errors.New("not a RIFF/WAVE container")
	ErrUnsupportedCodec = errors.New("unsupported codec: only 16-bit PCM is supported")
	ErrTruncatedData    = errors.New("truncated audio data")
)

// pcmClip holds decoded mono samples normalized to [-1, 1].
type pcmClip struct {
	samples    []float64
	sampleRate int
}

func (c pcmClip) duration() float64 {
	if c.sampleRate <= 0 {
		return 0
	}

	return float64(len(c.samples)) / float64(c.sampleRate)
}

// decodeWAV parses a 16-bit PCM RIFF/WAVE payload and downmixes it to mono.
// Multi-channel input is averaged across channels.
func decodeWAV(data []byte) (pcmClip, error) {
	if len(data) == 0 {
		return pcmClip{}, ErrAudioEmpty
	}

	if len(data) < riffHeaderSize ||
		string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return pcmClip{}, ErrNotRIFF
	}

	format, channels, sampleRate, pcm, err := scanChunks(data[12:])
	if err != nil {
		return pcmClip{}, err
	}

	if format != pcmFormatCode {
		return pcmClip{}, fmt.Errorf("%w: format code %d", ErrUnsupportedCodec, format)
	}

	if channels <= 0 || sampleRate <= 0 {
		return pcmClip{}, fmt.Errorf("%w: %d channels at %d Hz", ErrUnsupportedCodec, channels, sampleRate)
	}

	frameBytes := channels * (bitsPerSample / 8)

	frames := len(pcm) / frameBytes
	if frames == 0 {
		return pcmClip{}, ErrTruncatedData
	}

	samples := make([]float64, frames)
	for frame := range frames {
		var sum float64

		for ch := range channels {
			offset := frame*frameBytes + ch*2
			raw := int16(binary.LittleEndian.Uint16(pcm[offset : offset+2]))
			sum += float64(raw) / maxInt16
		}

		samples[frame] = sum / float64(channels)
	}

	return pcmClip{samples: samples, sampleRate: sampleRate}, nil
}

// scanChunks walks the RIFF chunk list and returns the fmt fields and the
// data payload. Unknown chunks are skipped.
func scanChunks(body []byte) (format, channels, sampleRate int, pcm []byte, err error) {
	var haveFmt, haveData bool

	for len(body) >= 8 {
		chunkID := string(body[0:4])
		chunkLen := int(binary.LittleEndian.Uint32(body[4:8]))
		body = body[8:]

		if chunkLen > len(body) {
			return 0, 0, 0, nil, ErrTruncatedData
		}

		switch chunkID {
		case "fmt ":
			if chunkLen < 16 {
				return 0, 0, 0, nil, ErrTruncatedData
			}

			format = int(binary.LittleEndian.Uint16(body[0:2]))
			channels = int(binary.LittleEndian.Uint16(body[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))

			if int(binary.LittleEndian.Uint16(body[14:16])) != bitsPerSample {
				return 0, 0, 0, nil, ErrUnsupportedCodec
			}

			haveFmt = true
		case "data":
			pcm = body[:chunkLen]
			haveData = true
		}

		// Chunks are word-aligned.
		if chunkLen%2 == 1 {
			chunkLen++
		}

		if chunkLen > len(body) {
			break
		}

		body = body[chunkLen:]
	}

	if !haveFmt || !haveData {
		return 0, 0, 0, nil, ErrTruncatedData
	}

	return format, channels, sampleRate, pcm, nil
}

// EncodeWAV renders mono float samples as a 16-bit PCM WAV payload.
// Samples outside [-1, 1] are clamped.
func EncodeWAV(samples []float64, sampleRate int) []byte {
	dataLen := len(samples) * 2
	buf := make([]byte, riffHeaderSize+dataLen)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], pcmFormatCode)
	binary.LittleEndian.PutUint16(buf[22:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))

	for i, sample := range samples {
		clamped := math.Max(-1, math.Min(1, sample))
		binary.LittleEndian.PutUint16(buf[riffHeaderSize+i*2:], uint16(int16(clamped*maxInt16)))
	}

	return buf
}

// ConcatenateWAV joins several 16-bit PCM WAV clips into one, separated by
// short silence gaps, resampling nothing: clips must share a sample rate,
// which holds for recordings captured through the same session.
func ConcatenateWAV(clips [][]byte, gapSeconds float64) ([]byte, error) {
	var (
		combined   []float64
		sampleRate int
	)

	for _, raw := range clips {
		clip, err := decodeWAV(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode clip for concatenation: %w", err)
		}

		if sampleRate == 0 {
			sampleRate = clip.sampleRate
		}

		if clip.sampleRate != sampleRate {
			return nil, fmt.Errorf("%w: mixed sample rates %d and %d",
				ErrUnsupportedCodec, sampleRate, clip.sampleRate)
		}

		if len(combined) > 0 {
			combined = append(combined, make([]float64, int(gapSeconds*float64(sampleRate)))...)
		}

		combined = append(combined, clip.samples...)
	}

	if sampleRate == 0 {
		return nil, ErrAudioEmpty
	}

	return EncodeWAV(combined, sampleRate), nil
}
