package pipeline

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
)

// AudioField is the multipart field name carrying the recording.
const AudioField = "audio"

// ReadAudio reads the first part of a multipart upload. Any other first
// field, or no field at all, is ErrAudioField.
func ReadAudio(mr *multipart.Reader) ([]byte, error) {
	part, err := mr.NextPart()
	if errors.Is(err, io.EOF) {
		return nil, ErrAudioField
	}
	if err != nil {
		return nil, fmt.Errorf("read multipart: %w", err)
	}
	defer part.Close()

	if part.FormName() != AudioField {
		return nil, ErrAudioField
	}
	data, err := io.ReadAll(part)
	if err != nil {
		return nil, fmt.Errorf("read audio field: %w", err)
	}
	return data, nil
}
