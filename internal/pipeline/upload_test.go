package pipeline

import (
	"bytes"
	"mime/multipart"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func multipartBody(t *testing.T, fields ...string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for i := 0; i+1 < len(fields); i += 2 {
		part, err := w.CreateFormFile(fields[i], "blob")
		require.NoError(t, err)
		_, err = part.Write([]byte(fields[i+1]))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.Boundary()
}

func TestReadAudio(t *testing.T) {
	body, boundary := multipartBody(t, "audio", "RIFFdata", "extra", "ignored")
	data, err := ReadAudio(multipart.NewReader(body, boundary))
	require.NoError(t, err)
	assert.Equal(t, "RIFFdata", string(data))
}

func TestReadAudioWrongField(t *testing.T) {
	body, boundary := multipartBody(t, "file", "RIFFdata")
	_, err := ReadAudio(multipart.NewReader(body, boundary))
	assert.ErrorIs(t, err, ErrAudioField)
}

func TestReadAudioNoField(t *testing.T) {
	body, boundary := multipartBody(t)
	_, err := ReadAudio(multipart.NewReader(body, boundary))
	assert.ErrorIs(t, err, ErrAudioField)
}
