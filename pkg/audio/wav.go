package audio

import (
	"encoding/binary"
	"fmt"
	"io"
)

// EncodeWAV writes mono float32 samples to w as a 16-bit PCM RIFF/WAVE file
// at the given sample rate.
func EncodeWAV(w io.Writer, samples []float32, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("audio: encode wav: invalid sample rate %d", sampleRate)
	}
	const (
		channels      = 1
		bitsPerSample = 16
	)
	pcm := Float32ToInt16(samples)
	dataLen := uint32(len(pcm) * 2)
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)

	header := struct {
		RIFF          [4]byte
		ChunkSize     uint32
		WAVE          [4]byte
		Fmt           [4]byte
		FmtSize       uint32
		AudioFormat   uint16
		NumChannels   uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		Data          [4]byte
		DataSize      uint32
	}{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataLen,
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		NumChannels:   channels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      byteRate,
		BlockAlign:    channels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataLen,
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("audio: encode wav header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, pcm); err != nil {
		return fmt.Errorf("audio: encode wav data: %w", err)
	}
	return nil
}
