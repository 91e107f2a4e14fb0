package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"
)

// wavHeader is the canonical 44-byte header of a 16-bit mono PCM WAV file.
type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

const wavHeaderSize = 44

// SamplesToWAV encodes samples in [-1, 1] as a 16-bit mono WAV file.
// Out-of-range samples are clipped.
func SamplesToWAV(samples []float32, sampleRate int) []byte {
	dataSize := uint32(len(samples) * 2)
	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     wavHeaderSize - 8 + dataSize,
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		Channels:      1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * 2),
		BlockAlign:    2,
		BitsPerSample: 16,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+int(dataSize)))
	binary.Write(buf, binary.LittleEndian, h)

	pcm := make([]int16, len(samples))
	for i, s := range samples {
		pcm[i] = int16(max(-1, min(1, s)) * math.MaxInt16)
	}
	binary.Write(buf, binary.LittleEndian, pcm)
	return buf.Bytes()
}

// WAVDuration returns the playing time of a 16-bit mono WAV file produced
// by SamplesToWAV, or 0 when data is not one.
func WAVDuration(data []byte) time.Duration {
	if Sniff(data) != FormatWAV || len(data) < wavHeaderSize {
		return 0
	}
	var h wavHeader
	if err := binary.Read(bytes.NewReader(data[:wavHeaderSize]), binary.LittleEndian, &h); err != nil {
		return 0
	}
	if h.ByteRate == 0 {
		return 0
	}
	return time.Duration(h.DataSize) * time.Second / time.Duration(h.ByteRate)
}
