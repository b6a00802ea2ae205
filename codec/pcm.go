package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Float32ToBytes packs samples as little-endian float32 PCM.
func Float32ToBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, sample := range samples {
		binary.LittleEndian.PutUint32(out[i*BytesPerSample:], math.Float32bits(sample))
	}
	return out
}

// BytesToFloat32 unpacks little-endian float32 PCM.
func BytesToFloat32(raw []byte) ([]float32, error) {
	if err := ValidateFrame(raw); err != nil {
		return nil, err
	}

	samples := make([]float32, len(raw)/BytesPerSample)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*BytesPerSample:]))
	}
	return samples, nil
}

// ValidateFrame checks that raw is a non-empty whole number of float32 samples.
func ValidateFrame(raw []byte) error {
	if len(raw) == 0 {
		return &DecodeError{Reason: "empty frame", Err: ErrEmptyPayload}
	}
	if len(raw)%BytesPerSample != 0 {
		return &DecodeError{Reason: fmt.Sprintf("frame length %d is not a multiple of %d", len(raw), BytesPerSample)}
	}
	return nil
}
