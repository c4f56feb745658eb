package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Raw output formats this package can produce from PCM16
const (
	FormatPCM   = "pcm"
	FormatMulaw = "mulaw"
	FormatWAV   = "wav"
)

// ErrUnsupportedFormat is returned when a conversion target is not a raw format
var ErrUnsupportedFormat = errors.New("unsupported audio format")

const wavHeaderSize = 44

// Encode converts 16-bit little-endian mono PCM at inputRate into format at
// outputRate. Supported targets are pcm, mulaw and wav.
func Encode(pcmData []byte, inputRate int, format string, outputRate int) ([]byte, error) {
	samples, err := bytesToSamples(pcmData)
	if err != nil {
		return nil, err
	}
	if outputRate <= 0 {
		outputRate = inputRate
	}
	samples = resample(samples, inputRate, outputRate)

	switch format {
	case FormatPCM:
		return samplesToBytes(samples), nil
	case FormatMulaw:
		out := make([]byte, len(samples))
		for i, sample := range samples {
			out[i] = linearToMulaw(sample)
		}
		return out, nil
	case FormatWAV:
		return wrapWAV(samplesToBytes(samples), outputRate), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}

// Duration estimates playback length in seconds for raw formats. Compressed
// formats return 0 since their length cannot be derived from the size alone.
func Duration(size int, format string, sampleRate int) float64 {
	if sampleRate <= 0 || size <= 0 {
		return 0
	}
	switch format {
	case FormatPCM:
		return float64(size) / float64(2*sampleRate)
	case FormatMulaw:
		return float64(size) / float64(sampleRate)
	case FormatWAV:
		if size <= wavHeaderSize {
			return 0
		}
		return float64(size-wavHeaderSize) / float64(2*sampleRate)
	}
	return 0
}

// ApplyGain scales PCM16 samples by gain, clipping at the int16 range
func ApplyGain(pcmData []byte, gain float64) ([]byte, error) {
	samples, err := bytesToSamples(pcmData)
	if err != nil {
		return nil, err
	}
	if gain == 1.0 {
		return pcmData, nil
	}
	for i, sample := range samples {
		v := math.Round(float64(sample) * gain)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		samples[i] = int16(v)
	}
	return samplesToBytes(samples), nil
}

// ConvertPCMToPCMU converts linear PCM audio to G.711 PCMU (μ-law) format
func ConvertPCMToPCMU(pcmData []byte, inputSampleRate, outputSampleRate int) ([]byte, error) {
	return Encode(pcmData, inputSampleRate, FormatMulaw, outputSampleRate)
}

// ConvertPCMUToPCM converts G.711 PCMU (μ-law) to linear PCM
func ConvertPCMUToPCM(pcmuData []byte) ([]byte, error) {
	if len(pcmuData) == 0 {
		return nil, fmt.Errorf("empty PCMU data")
	}

	pcmData := make([]byte, len(pcmuData)*2)
	for i, mulawByte := range pcmuData {
		binary.LittleEndian.PutUint16(pcmData[i*2:], uint16(mulawToLinear(mulawByte)))
	}
	return pcmData, nil
}

func bytesToSamples(pcmData []byte) ([]int16, error) {
	if len(pcmData) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}
	if len(pcmData)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}
	samples := make([]int16, len(pcmData)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcmData[i*2:]))
	}
	return samples, nil
}

func samplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
	}
	return out
}

// wrapWAV prefixes mono PCM16 data with a canonical RIFF header
func wrapWAV(pcmData []byte, sampleRate int) []byte {
	out := make([]byte, wavHeaderSize+len(pcmData))
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+len(pcmData)))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)                   // fmt chunk size
	binary.LittleEndian.PutUint16(out[20:], 1)                    // PCM
	binary.LittleEndian.PutUint16(out[22:], 1)                    // mono
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))   // sample rate
	binary.LittleEndian.PutUint32(out[28:], uint32(sampleRate*2)) // byte rate
	binary.LittleEndian.PutUint16(out[32:], 2)                    // block align
	binary.LittleEndian.PutUint16(out[34:], 16)                   // bits per sample
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(len(pcmData)))
	copy(out[wavHeaderSize:], pcmData)
	return out
}

// resample performs simple linear interpolation resampling
func resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || inputRate <= 0 || outputRate <= 0 || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]int16, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// linearToMulaw converts a 16-bit linear PCM sample to 8-bit μ-law (ITU-T G.711)
func linearToMulaw(sample int16) byte {
	const (
		clip = 8159 // Maximum magnitude (14-bit range)
		bias = 0x21
	)

	var sign byte
	magnitude := int32(sample)
	if sample < 0 {
		sign = 0x80
		magnitude = -magnitude
	}
	if magnitude > clip {
		magnitude = clip
	}
	magnitude += bias

	// Segment is the position of the highest set bit above bit 5
	var segment byte
	for temp := magnitude >> 6; temp > 0 && segment < 7; temp >>= 1 {
		segment++
	}

	mantissa := byte((magnitude >> (segment + 1)) & 0x0F)
	return ^(sign | (segment << 4) | mantissa)
}

// mulawToLinear converts an 8-bit μ-law sample to 16-bit linear PCM
func mulawToLinear(mulawByte byte) int16 {
	mulawByte = ^mulawByte

	sign := mulawByte & 0x80
	segment := int32((mulawByte >> 4) & 0x07)
	mantissa := int32(mulawByte & 0x0F)

	step := mantissa << (segment + 1)
	step += int32(33) << segment
	magnitude := step - 33

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}
