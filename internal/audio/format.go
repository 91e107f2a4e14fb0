package audio

import "bytes"

// Format is a container format recognised from its leading bytes.
type Format string

const (
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
	FormatOGG     Format = "ogg"
	FormatFLAC    Format = "flac"
	FormatWebM    Format = "webm"
	FormatMP4     Format = "mp4"
	FormatUnknown Format = ""
)

// formatInfo holds a format's upload filename extension and MIME type.
type formatInfo struct {
	ext         string
	contentType string
}

var formats = map[Format]formatInfo{
	FormatWAV:  {ext: "wav", contentType: "audio/wav"},
	FormatMP3:  {ext: "mp3", contentType: "audio/mpeg"},
	FormatOGG:  {ext: "ogg", contentType: "audio/ogg"},
	FormatFLAC: {ext: "flac", contentType: "audio/flac"},
	FormatWebM: {ext: "webm", contentType: "audio/webm"},
	FormatMP4:  {ext: "m4a", contentType: "audio/mp4"},
}

// Sniff identifies the container format of data.
func Sniff(data []byte) Format {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return FormatWAV
	case bytes.HasPrefix(data, []byte("ID3")):
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3 // bare MPEG frame sync
	case bytes.HasPrefix(data, []byte("OggS")):
		return FormatOGG
	case bytes.HasPrefix(data, []byte("fLaC")):
		return FormatFLAC
	case bytes.HasPrefix(data, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return FormatWebM
	case len(data) >= 8 && bytes.Equal(data[4:8], []byte("ftyp")):
		return FormatMP4
	}
	return FormatUnknown
}

// Filename returns the upload filename for the format. Unknown data is sent
// as mp3, which is how the browser recorder labels its blobs.
func (f Format) Filename() string {
	info, ok := formats[f]
	if !ok {
		return "audio.mp3"
	}
	return "audio." + info.ext
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	info, ok := formats[f]
	if !ok {
		return "application/octet-stream"
	}
	return info.contentType
}
