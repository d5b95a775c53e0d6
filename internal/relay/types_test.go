package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStreamMode(t *testing.T) {
	tests := []struct {
		in   string
		want StreamMode
	}{
		{"hls", StreamModeHLS},
		{" M3U8 ", StreamModeHLS},
		{"ts", StreamModeTS},
		{"mpeg-ts", StreamModeTS},
		{"unknown", StreamModeUnknown},
		{"", StreamModeUnknown},
		{"dash", StreamModeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseStreamMode(tt.in))
		})
	}
}

func TestSelectMode(t *testing.T) {
	tests := []struct {
		name     string
		declared StreamMode
		url      string
		want     StreamMode
	}{
		{"declared hls wins", StreamModeHLS, "http://origin/live/1.ts", StreamModeHLS},
		{"declared ts wins", StreamModeTS, "http://origin/live/index.m3u8", StreamModeTS},
		{"m3u8 suffix", StreamModeUnknown, "http://origin/live/index.m3u8", StreamModeHLS},
		{"hls path segment", StreamModeUnknown, "http://origin/hls/news", StreamModeHLS},
		{"type query", StreamModeUnknown, "http://origin/get.php?stream=1&type=m3u8", StreamModeHLS},
		{"output query ts", StreamModeUnknown, "http://origin/get.php?output=ts", StreamModeTS},
		{"ts suffix", StreamModeUnknown, "http://origin/live/1.ts", StreamModeTS},
		{"no hint falls back to ts", StreamModeUnknown, "http://origin/live/12345", StreamModeTS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectMode(tt.declared, tt.url))
		})
	}
}

func TestInferMode_Unparseable(t *testing.T) {
	assert.Equal(t, StreamModeUnknown, InferMode("http://[::1"))
	assert.Equal(t, StreamModeUnknown, InferMode("http://origin/live/12345"))
}
