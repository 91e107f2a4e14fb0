// Package storage persists generated media (synthesized speech, generated
// images) and returns the URL a browser can load it from.
//
// Object keys have the form "<kind>/<device>/<uuid>.<ext>", for example
// "audio/3f2c.../9b1e....mp3". Device ids are opaque cookie values, so any
// id that is not already a short URL-safe token is replaced by "~" and a
// truncated sha256 of the id. Backends decide how a key maps to a URL.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"regexp"

	"github.com/google/uuid"

	"github.com/nullptr-z/Q-bot/internal/metrics"
)

// Kind is the category of stored media.
type Kind string

const (
	KindAudio Kind = "audio"
	KindImage Kind = "image"
)

// Ext returns the file extension for the kind, including the dot.
func (k Kind) Ext() string {
	switch k {
	case KindImage:
		return ".png"
	default:
		return ".mp3"
	}
}

// ContentType returns the MIME type stored alongside objects of the kind.
func (k Kind) ContentType() string {
	switch k {
	case KindImage:
		return "image/png"
	default:
		return "audio/mpeg"
	}
}

// ErrInvalidDevice is returned for an empty device id.
var ErrInvalidDevice = errors.New("empty device id")

var plainSegment = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// MediaStore saves media for a device and returns its public URL.
type MediaStore interface {
	Save(ctx context.Context, kind Kind, device string, data []byte) (string, error)
}

// Backend writes one object and reports the URL it is served from.
// Implementations must be safe for concurrent use.
type Backend interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Media implements MediaStore on top of a Backend.
type Media struct {
	backend Backend
}

// NewMedia wraps b.
func NewMedia(b Backend) *Media {
	return &Media{backend: b}
}

// Save stores data under a fresh name for the device.
func (m *Media) Save(ctx context.Context, kind Kind, device string, data []byte) (string, error) {
	key, err := Key(kind, device, uuid.NewString())
	if err != nil {
		return "", err
	}
	url, err := m.backend.Put(ctx, key, data, kind.ContentType())
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	metrics.MediaBytes.WithLabelValues(string(kind)).Add(float64(len(data)))
	return url, nil
}

// Key builds the object key for a media item.
func Key(kind Kind, device, name string) (string, error) {
	if device == "" {
		return "", ErrInvalidDevice
	}
	return path.Join(string(kind), DeviceSegment(device), name+kind.Ext()), nil
}

// DeviceSegment maps a device id to a single path segment. Hashed segments
// start with "~", which never appears in a plain one.
func DeviceSegment(device string) string {
	if plainSegment.MatchString(device) {
		return device
	}
	sum := sha256.Sum256([]byte(device))
	return "~" + hex.EncodeToString(sum[:16])
}

// Compile-time interface check.
var _ MediaStore = (*Media)(nil)
