package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nullptr-z/Q-bot/internal/audio"
)

func TestPercentile(t *testing.T) {
	data := []float64{5, 1, 4, 2, 3}
	assert.Equal(t, 3.0, percentile(data, 50))
	assert.Equal(t, 5.0, percentile(data, 99))
	assert.Equal(t, 1.0, percentile(data, 0))
}

func TestSyntheticAudioIsWAV(t *testing.T) {
	data := generateSyntheticAudio(time.Second)
	assert.Equal(t, audio.FormatWAV, audio.Sniff(data))
	assert.Len(t, data, 44+16000*2)
}
