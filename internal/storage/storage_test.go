package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	k, err := Key(KindAudio, "device-1", "abc")
	require.NoError(t, err)
	assert.Equal(t, "audio/device-1/abc.mp3", k)

	k, err = Key(KindImage, "device_2", "xyz")
	require.NoError(t, err)
	assert.Equal(t, "image/device_2/xyz.png", k)

	_, err = Key(KindAudio, "", "x")
	assert.ErrorIs(t, err, ErrInvalidDevice)
}

func TestKeyEncodesOpaqueDevices(t *testing.T) {
	seen := map[string]string{}
	for _, dev := range []string{"../etc", "a/b", "has space", "s%3Aabc.def+xyz=", strings.Repeat("d", 200), "你好"} {
		k, err := Key(KindAudio, dev, "x")
		require.NoError(t, err, dev)

		parts := strings.Split(k, "/")
		require.Len(t, parts, 3, k)
		assert.Equal(t, "audio", parts[0])
		assert.Equal(t, "x.mp3", parts[2])
		assert.True(t, strings.HasPrefix(parts[1], "~"), parts[1])
		assert.Len(t, parts[1], 33)

		prev, dup := seen[parts[1]]
		assert.False(t, dup, "%q and %q share a segment", prev, dev)
		seen[parts[1]] = dev
	}

	a, _ := Key(KindImage, "s%3Aabc.def+xyz=", "x")
	b, _ := Key(KindImage, "s%3Aabc.def+xyz=", "x")
	assert.Equal(t, a, b, "encoding must be stable")
}

func TestLocalSaveOpaqueDevice(t *testing.T) {
	dir := t.TempDir()
	local, err := NewLocal(dir, "/assets")
	require.NoError(t, err)

	url, err := NewMedia(local).Save(context.Background(), KindAudio, "s%3Aabc.def+xyz=", []byte("ID3"))
	require.NoError(t, err)
	seg := DeviceSegment("s%3Aabc.def+xyz=")
	assert.True(t, strings.HasPrefix(url, "/assets/audio/"+seg+"/"), url)

	entries, err := os.ReadDir(filepath.Join(dir, "audio", seg))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLocalSave(t *testing.T) {
	dir := t.TempDir()
	local, err := NewLocal(dir, "/assets")
	require.NoError(t, err)
	media := NewMedia(local)

	url, err := media.Save(context.Background(), KindAudio, "dev", []byte("ID3audio"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "/assets/audio/dev/"), url)
	require.True(t, strings.HasSuffix(url, ".mp3"), url)

	rel := strings.TrimPrefix(url, "/assets/")
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
	require.NoError(t, err)
	assert.Equal(t, "ID3audio", string(data))

	entries, err := os.ReadDir(filepath.Join(dir, "audio", "dev"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must be renamed away")
}

func TestLocalSaveUniqueNames(t *testing.T) {
	local, err := NewLocal(t.TempDir(), "/assets")
	require.NoError(t, err)
	media := NewMedia(local)

	a, err := media.Save(context.Background(), KindImage, "dev", []byte("a"))
	require.NoError(t, err)
	b, err := media.Save(context.Background(), KindImage, "dev", []byte("b"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

type fakeS3 struct {
	input *s3.PutObjectInput
	err   error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3Put(t *testing.T) {
	client := &fakeS3{}
	store := NewS3(client, "media", "/qbot/", "https://cdn.example.com/")

	url, err := store.Put(context.Background(), "image/dev/x.png", []byte("png"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/qbot/image/dev/x.png", url)
	assert.Equal(t, "media", *client.input.Bucket)
	assert.Equal(t, "qbot/image/dev/x.png", *client.input.Key)
	assert.Equal(t, "image/png", *client.input.ContentType)
	assert.Equal(t, int64(3), *client.input.ContentLength)
}

func TestS3PutError(t *testing.T) {
	client := &fakeS3{err: &smithy.GenericAPIError{Code: "AccessDenied", Message: "nope"}}
	store := NewS3(client, "media", "", "https://cdn.example.com")

	_, err := store.Put(context.Background(), "audio/dev/x.mp3", []byte("x"), "audio/mpeg")
	var s3Err *S3Error
	require.True(t, errors.As(err, &s3Err))
	assert.Equal(t, "AccessDenied", s3Err.Code)
}

func TestMinioConfigValidate(t *testing.T) {
	cfg := MinioConfig{Endpoint: "localhost:9000", AccessKeyID: "a", SecretAccessKey: "b", Bucket: "qbot"}
	assert.NoError(t, cfg.Validate())

	cfg.Bucket = ""
	assert.Error(t, cfg.Validate())
}
