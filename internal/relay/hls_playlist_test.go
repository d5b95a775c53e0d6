package relay

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMediaPlaylist(t *testing.T) {
	data := []byte(`#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:42

#EXTINF:5.005,title
a.ts
#EXT-X-KEY:METHOD=AES-128,URI="https://keys.example.com/k?a=1,b=2",IV=0x1F
#EXTINF:6,
b.ts
#EXT-X-DISCONTINUITY
#EXT-X-KEY:METHOD=NONE
#EXTINF:4.5,
http://cdn.example.com/c.ts
#EXT-X-ENDLIST
`)

	pl, err := parseMediaPlaylist(data)
	require.NoError(t, err)

	assert.Equal(t, 6.0, pl.TargetDuration)
	assert.Equal(t, uint64(42), pl.MediaSequence)
	assert.True(t, pl.Endlist)
	require.Len(t, pl.Segments, 3)

	assert.Equal(t, "a.ts", pl.Segments[0].URI)
	assert.Equal(t, 5.005, pl.Segments[0].Duration)
	assert.Nil(t, pl.Segments[0].Key)

	require.NotNil(t, pl.Segments[1].Key)
	assert.Equal(t, "AES-128", pl.Segments[1].Key.Method)
	assert.Equal(t, "https://keys.example.com/k?a=1,b=2", pl.Segments[1].Key.URI)
	assert.Equal(t, "0x1F", pl.Segments[1].Key.IV)
	assert.False(t, pl.Segments[1].Discontinuity)

	assert.True(t, pl.Segments[2].Discontinuity)
	assert.Nil(t, pl.Segments[2].Key)
	assert.Equal(t, "http://cdn.example.com/c.ts", pl.Segments[2].URI)
}

func TestParseMediaPlaylist_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "empty", data: ""},
		{name: "no header", data: "#EXTINF:1,\na.ts\n"},
		{name: "uri without extinf", data: "#EXTM3U\na.ts\n"},
		{name: "bad duration", data: "#EXTM3U\n#EXTINF:abc,\na.ts\n"},
		{name: "negative duration", data: "#EXTM3U\n#EXTINF:-1,\na.ts\n"},
		{name: "bad media sequence", data: "#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:x\n"},
		{name: "map without uri", data: "#EXTM3U\n#EXT-X-MAP:BYTERANGE=\"10@0\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseMediaPlaylist([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestIsMultivariant(t *testing.T) {
	assert.True(t, isMultivariant([]byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nv.m3u8\n")))
	assert.False(t, isMultivariant([]byte("#EXTM3U\n#EXTINF:1,\na.ts\n")))
}

func renderedSegments(start uint64, n int) []*Segment {
	out := make([]*Segment, n)
	for i := range out {
		out[i] = &Segment{
			Sequence:  start + uint64(i),
			Duration:  4.004,
			Extension: ".ts",
		}
	}
	return out
}

func TestRenderPlaylist(t *testing.T) {
	segs := renderedSegments(17, 3)
	segs[2].Discontinuity = true

	var buf bytes.Buffer
	err := RenderPlaylist(&buf, PlaylistOptions{
		Segments:              segs,
		DiscontinuitySequence: 2,
		MinTargetDuration:     4,
		URI:                   func(name string) string { return "/relay/ch/" + name + "?viewer=v1" },
	})
	require.NoError(t, err)

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "#EXTM3U\n"))
	assert.Contains(t, out, "#EXT-X-TARGETDURATION:5\n")
	assert.Contains(t, out, "#EXT-X-MEDIA-SEQUENCE:17\n")
	assert.Contains(t, out, "#EXT-X-DISCONTINUITY-SEQUENCE:2\n")
	assert.Contains(t, out, "#EXTINF:4.004,\n/relay/ch/17.ts?viewer=v1\n")
	assert.Contains(t, out, "#EXT-X-DISCONTINUITY\n#EXTINF:4.004,\n/relay/ch/19.ts?viewer=v1\n")
	assert.NotContains(t, out, "#EXT-X-ENDLIST")

	pl, err := parseMediaPlaylist(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint64(17), pl.MediaSequence)
	assert.True(t, pl.Segments[2].Discontinuity)
}

func TestRenderPlaylist_ParsesAsLiveMediaPlaylist(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderPlaylist(&buf, PlaylistOptions{
		Segments:          renderedSegments(17, 3),
		MinTargetDuration: 4,
		URI:               func(name string) string { return "/relay/ch/" + name + "?viewer=v1" },
	}))

	parsed, err := playlist.Unmarshal(buf.Bytes())
	require.NoError(t, err)
	media, ok := parsed.(*playlist.Media)
	require.True(t, ok)
	assert.Equal(t, 5, media.TargetDuration)
	assert.Equal(t, 17, media.MediaSequence)
	assert.False(t, media.Endlist)
	require.Len(t, media.Segments, 3)
	assert.Equal(t, "/relay/ch/18.ts?viewer=v1", media.Segments[1].URI)
	assert.InDelta(t, 4.004, media.Segments[1].Duration.Seconds(), 0.001)
}

func TestRenderPlaylist_LeadingDiscontinuity(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderPlaylist(&buf, PlaylistOptions{
		Segments:             renderedSegments(3, 2),
		LeadingDiscontinuity: true,
	}))

	pl, err := parseMediaPlaylist(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, pl.Segments, 2)
	assert.True(t, pl.Segments[0].Discontinuity)
	assert.False(t, pl.Segments[1].Discontinuity)
	assert.Equal(t, "3.ts", pl.Segments[0].URI)
}

func TestRenderPlaylist_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderPlaylist(&buf, PlaylistOptions{MinTargetDuration: 6}))

	out := buf.String()
	assert.Contains(t, out, "#EXT-X-TARGETDURATION:6\n")
	assert.Contains(t, out, "#EXT-X-MEDIA-SEQUENCE:0\n")
	assert.NotContains(t, out, "#EXTINF")
}

func TestRenderPlaylist_KeysAndInitSections(t *testing.T) {
	assets := map[string]*Asset{
		"k1":   {ID: "k1", Kind: AssetKey},
		"init": {ID: "init", Kind: AssetInit, Extension: ".mp4"},
	}
	segs := renderedSegments(0, 3)
	for _, s := range segs {
		s.Extension = ".m4s"
		s.InitID = "init"
	}
	segs[0].Key = &SegmentKey{Method: "AES-128", AssetID: "k1", IV: "0x01"}
	segs[1].Key = &SegmentKey{Method: "AES-128", AssetID: "k1", IV: "0x01"}

	var buf bytes.Buffer
	require.NoError(t, RenderPlaylist(&buf, PlaylistOptions{
		Segments: segs,
		Asset: func(id string) (*Asset, bool) {
			a, ok := assets[id]
			return a, ok
		},
	}))

	out := buf.String()
	assert.Contains(t, out, "#EXT-X-VERSION:6\n")
	assert.Equal(t, 1, strings.Count(out, "#EXT-X-MAP:URI=\"init-init.mp4\""))
	assert.Equal(t, 1, strings.Count(out, "#EXT-X-KEY:METHOD=AES-128,URI=\"key-k1.key\",IV=0x01"))
	assert.Contains(t, out, "#EXT-X-KEY:METHOD=NONE\n#EXTINF:4.004,\n2.m4s\n")

	pl, err := parseMediaPlaylist(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, pl.Segments, 3)
	require.NotNil(t, pl.Segments[1].Key)
	assert.Nil(t, pl.Segments[2].Key)
	require.NotNil(t, pl.Segments[0].Map)
	assert.Equal(t, "init-init.mp4", pl.Segments[0].Map.URI)
}

func TestSessionPlaylistDurations(t *testing.T) {
	// A segment longer than the configured target raises the advertised target duration.
	segs := renderedSegments(0, 2)
	segs[1].Duration = 7.2

	var buf bytes.Buffer
	require.NoError(t, RenderPlaylist(&buf, PlaylistOptions{Segments: segs, MinTargetDuration: (4 * time.Second).Seconds()}))
	assert.Contains(t, buf.String(), "#EXT-X-TARGETDURATION:8\n")
}
