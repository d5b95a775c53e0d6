package relay

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// mediaPlaylist is the subset of an upstream media playlist the passthrough needs.
type mediaPlaylist struct {
	TargetDuration float64
	MediaSequence  uint64
	Endlist        bool
	Segments       []mediaSegment
}

type mediaSegment struct {
	URI           string
	Duration      float64
	Discontinuity bool
	ByteRange     bool
	// Key and Map are the tags in effect for this segment.
	Key *playlistKey
	Map *playlistMap
}

type playlistKey struct {
	Method    string
	URI       string
	IV        string
	KeyFormat string
}

type playlistMap struct {
	URI       string
	ByteRange string
}

// isMultivariant reports whether data is a multivariant (master) playlist.
func isMultivariant(data []byte) bool {
	return bytes.Contains(data, []byte("#EXT-X-STREAM-INF"))
}

// parseMediaPlaylist parses an HLS media playlist.
func parseMediaPlaylist(data []byte) (*mediaPlaylist, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), len(data)+1)

	pl := &mediaPlaylist{}
	var (
		sawHeader     bool
		pending       mediaSegment
		haveInf       bool
		discontinuity bool
		key           *playlistKey
		initMap       *playlistMap
	)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !sawHeader {
			if !strings.HasPrefix(line, "#EXTM3U") {
				return nil, fmt.Errorf("missing #EXTM3U header")
			}
			sawHeader = true
			continue
		}

		if !strings.HasPrefix(line, "#") {
			if !haveInf {
				return nil, fmt.Errorf("segment %q without #EXTINF", line)
			}
			pending.URI = line
			pending.Discontinuity = discontinuity
			pending.Key = key
			pending.Map = initMap
			pl.Segments = append(pl.Segments, pending)
			pending = mediaSegment{}
			haveInf = false
			discontinuity = false
			continue
		}

		tag, value, _ := strings.Cut(line, ":")
		switch tag {
		case "#EXTINF":
			durStr, _, _ := strings.Cut(value, ",")
			d, err := strconv.ParseFloat(strings.TrimSpace(durStr), 64)
			if err != nil || d < 0 {
				return nil, fmt.Errorf("invalid #EXTINF duration %q", durStr)
			}
			pending.Duration = d
			haveInf = true
		case "#EXT-X-TARGETDURATION":
			d, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid #EXT-X-TARGETDURATION %q", value)
			}
			pl.TargetDuration = d
		case "#EXT-X-MEDIA-SEQUENCE":
			seq, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid #EXT-X-MEDIA-SEQUENCE %q", value)
			}
			pl.MediaSequence = seq
		case "#EXT-X-DISCONTINUITY":
			discontinuity = true
		case "#EXT-X-ENDLIST":
			pl.Endlist = true
		case "#EXT-X-BYTERANGE":
			pending.ByteRange = true
		case "#EXT-X-KEY":
			attrs := parseAttributes(value)
			if strings.EqualFold(attrs["METHOD"], "NONE") {
				key = nil
				continue
			}
			key = &playlistKey{
				Method:    strings.ToUpper(attrs["METHOD"]),
				URI:       attrs["URI"],
				IV:        attrs["IV"],
				KeyFormat: attrs["KEYFORMAT"],
			}
		case "#EXT-X-MAP":
			attrs := parseAttributes(value)
			if attrs["URI"] == "" {
				return nil, fmt.Errorf("#EXT-X-MAP without URI")
			}
			initMap = &playlistMap{URI: attrs["URI"], ByteRange: attrs["BYTERANGE"]}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning playlist: %w", err)
	}
	if !sawHeader {
		return nil, fmt.Errorf("empty playlist")
	}
	return pl, nil
}

// parseAttributes parses an HLS attribute list (KEY=VALUE,KEY="quoted,value").
func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for len(s) > 0 {
		name, rest, ok := strings.Cut(s, "=")
		if !ok {
			break
		}
		name = strings.ToUpper(strings.TrimSpace(name))

		var value string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				value, s = rest[1:], ""
			} else {
				value = rest[1 : end+1]
				s = rest[end+2:]
			}
			s = strings.TrimPrefix(s, ",")
		} else {
			value, s, _ = strings.Cut(rest, ",")
		}
		attrs[name] = strings.TrimSpace(value)
	}
	return attrs
}

// PlaylistOptions controls manifest rendering.
type PlaylistOptions struct {
	// Segments are listed oldest first.
	Segments []*Segment
	// DiscontinuitySequence is the discontinuity sequence of the first segment.
	DiscontinuitySequence uint64
	// MinTargetDuration is a floor for #EXT-X-TARGETDURATION, in seconds.
	MinTargetDuration float64
	// LeadingDiscontinuity forces a discontinuity tag before the first segment.
	LeadingDiscontinuity bool
	// URI maps a relay file name (segment, key or init section) to the URI written in the manifest.
	URI func(fileName string) string
	// Asset looks up keys and init sections referenced by segments.
	Asset func(id string) (*Asset, bool)
}

// RenderPlaylist writes a live HLS media playlist.
func RenderPlaylist(w io.Writer, opts PlaylistOptions) error {
	uri := opts.URI
	if uri == nil {
		uri = func(name string) string { return name }
	}

	target := opts.MinTargetDuration
	version := 3
	for _, seg := range opts.Segments {
		target = math.Max(target, seg.Duration)
		if seg.InitID != "" {
			version = 6
		}
	}
	if target < 1 {
		target = 1
	}

	var mediaSeq uint64
	if len(opts.Segments) > 0 {
		mediaSeq = opts.Segments[0].Sequence
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "#EXTM3U\n")
	fmt.Fprintf(bw, "#EXT-X-VERSION:%d\n", version)
	fmt.Fprintf(bw, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(target)))
	fmt.Fprintf(bw, "#EXT-X-MEDIA-SEQUENCE:%d\n", mediaSeq)
	if opts.DiscontinuitySequence > 0 {
		fmt.Fprintf(bw, "#EXT-X-DISCONTINUITY-SEQUENCE:%d\n", opts.DiscontinuitySequence)
	}

	var (
		currentKey  string
		keyed       bool
		currentInit string
	)
	for i, seg := range opts.Segments {
		if seg.Discontinuity || (i == 0 && opts.LeadingDiscontinuity) {
			fmt.Fprintf(bw, "#EXT-X-DISCONTINUITY\n")
		}

		if seg.InitID != "" && seg.InitID != currentInit {
			if a, ok := lookupAsset(opts.Asset, seg.InitID); ok {
				fmt.Fprintf(bw, "#EXT-X-MAP:URI=\"%s\"\n", uri(a.FileName()))
				currentInit = seg.InitID
			}
		}

		switch {
		case seg.Key != nil:
			id := seg.Key.AssetID + "|" + seg.Key.IV
			if !keyed || id != currentKey {
				if a, ok := lookupAsset(opts.Asset, seg.Key.AssetID); ok {
					fmt.Fprintf(bw, "#EXT-X-KEY:METHOD=%s,URI=\"%s\"", seg.Key.Method, uri(a.FileName()))
					if seg.Key.IV != "" {
						fmt.Fprintf(bw, ",IV=%s", seg.Key.IV)
					}
					fmt.Fprintf(bw, "\n")
					currentKey, keyed = id, true
				}
			}
		case keyed:
			fmt.Fprintf(bw, "#EXT-X-KEY:METHOD=NONE\n")
			currentKey, keyed = "", false
		}

		fmt.Fprintf(bw, "#EXTINF:%.3f,\n", seg.Duration)
		fmt.Fprintf(bw, "%s\n", uri(seg.FileName()))
	}

	return bw.Flush()
}

func lookupAsset(fn func(string) (*Asset, bool), id string) (*Asset, bool) {
	if fn == nil {
		return nil, false
	}
	return fn(id)
}
