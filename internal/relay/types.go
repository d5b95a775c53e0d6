package relay

import (
	"net/url"
	"strings"
)

// StreamMode selects the normalizer used for a channel.
type StreamMode int

const (
	// StreamModeUnknown means the format could not be determined.
	StreamModeUnknown StreamMode = iota
	// StreamModeTS repackages a raw MPEG-TS origin into HLS segments.
	StreamModeTS
	// StreamModeHLS passes an HLS origin through with relay URLs.
	StreamModeHLS
)

func (m StreamMode) String() string {
	switch m {
	case StreamModeTS:
		return "ts"
	case StreamModeHLS:
		return "hls"
	default:
		return "unknown"
	}
}

// ParseStreamMode maps a declared channel format to a StreamMode.
func ParseStreamMode(s string) StreamMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hls", "m3u8":
		return StreamModeHLS
	case "ts", "mpegts", "raw-ts", "mpeg-ts":
		return StreamModeTS
	default:
		return StreamModeUnknown
	}
}

// SelectMode returns the declared mode, or infers it from the URL pattern when unknown.
// URLs that do not look like HLS are treated as raw MPEG-TS.
func SelectMode(declared StreamMode, rawURL string) StreamMode {
	if declared != StreamModeUnknown {
		return declared
	}
	if InferMode(rawURL) == StreamModeHLS {
		return StreamModeHLS
	}
	return StreamModeTS
}

// InferMode guesses the stream format from the URL alone.
func InferMode(rawURL string) StreamMode {
	u, err := url.Parse(rawURL)
	if err != nil {
		return StreamModeUnknown
	}

	path := strings.ToLower(u.Path)
	switch {
	case strings.HasSuffix(path, ".m3u8"), strings.HasSuffix(path, ".m3u"):
		return StreamModeHLS
	case strings.Contains(path, "/hls/"):
		return StreamModeHLS
	case strings.HasSuffix(path, ".ts"), strings.HasSuffix(path, ".mpegts"):
		return StreamModeTS
	}

	q := u.Query()
	for _, key := range []string{"type", "output", "format"} {
		switch strings.ToLower(q.Get(key)) {
		case "m3u8", "hls":
			return StreamModeHLS
		case "ts", "mpegts":
			return StreamModeTS
		}
	}
	return StreamModeUnknown
}
