package relay

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jmylchreest/tvrelay/internal/urlutil"
)

// Origin and normalizer failure kinds. Every *OriginError unwraps to exactly one of these.
var (
	// ErrOriginUnreachable is returned when the origin refuses the connection, cannot be resolved,
	// answers with a non-success status, or ends the stream.
	ErrOriginUnreachable = errors.New("origin unreachable")

	// ErrOriginTimeout is returned when the origin does not answer within the connect timeout.
	ErrOriginTimeout = errors.New("origin timeout")

	// ErrOriginStalled is returned when an established origin stream stops delivering bytes.
	ErrOriginStalled = errors.New("origin stalled")

	// ErrOriginProtocol is returned for unsupported or malformed origin URLs. It is permanent.
	ErrOriginProtocol = errors.New("origin protocol error")

	// ErrFormat is returned for recoverable stream corruption (bad sync bytes, unparseable playlists).
	ErrFormat = errors.New("format error")

	// ErrFormatPermanent is returned for sources that can never be relayed, such as DRM protected streams.
	ErrFormatPermanent = errors.New("unsupported stream format")
)

// Registry and distributor errors.
var (
	// ErrChannelNotFound is returned when attaching to a channel that does not exist.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrChannelInactive is returned when attaching to a disabled channel.
	ErrChannelInactive = errors.New("channel inactive")

	// ErrChannelUnavailable is surfaced to viewers once a session has failed.
	ErrChannelUnavailable = errors.New("channel unavailable")

	// ErrRegistryClosed is returned after the registry has been shut down.
	ErrRegistryClosed = errors.New("relay registry closed")

	// ErrSessionLimit is returned when the maximum number of concurrent sessions is reached.
	ErrSessionLimit = errors.New("relay session limit reached")

	// ErrViewerDetached is returned by reads on a detached viewer handle.
	ErrViewerDetached = errors.New("viewer detached")

	// ErrSegmentNotFound is returned for sequences that were never published.
	ErrSegmentNotFound = errors.New("segment not found")

	// ErrSegmentExpired is returned for sequences that have been evicted from the ring.
	ErrSegmentExpired = errors.New("segment expired")

	// ErrBufferClosed is returned when reading from a closed segment ring.
	ErrBufferClosed = errors.New("segment buffer closed")
)

// OriginError describes a failure talking to, or decoding data from, an origin.
type OriginError struct {
	// Kind is one of the origin/format sentinels above.
	Kind error
	// URL is the redacted origin URL.
	URL string
	// StatusCode is the HTTP status returned by the origin, if any.
	StatusCode int
	// Err is the underlying cause.
	Err error
}

func newOriginError(kind error, rawURL string, status int, cause error) *OriginError {
	return &OriginError{
		Kind:       kind,
		URL:        urlutil.Redact(rawURL),
		StatusCode: status,
		Err:        cause,
	}
}

// Error implements the error interface.
func (e *OriginError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.Error())
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, " (HTTP %d)", e.StatusCode)
	}
	if e.URL != "" {
		sb.WriteString(": ")
		sb.WriteString(e.URL)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is and errors.As.
func (e *OriginError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrOriginProtocol) || errors.Is(err, ErrFormatPermanent)
}

// ErrorKind returns a short machine-readable label for err, used in metrics and health records.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrOriginStalled):
		return "stalled"
	case errors.Is(err, ErrOriginTimeout):
		return "timeout"
	case errors.Is(err, ErrOriginProtocol):
		return "protocol"
	case errors.Is(err, ErrFormatPermanent):
		return "format_permanent"
	case errors.Is(err, ErrFormat):
		return "format"
	case errors.Is(err, ErrOriginUnreachable):
		return "unreachable"
	default:
		return "unknown"
	}
}

// formatError wraps a normalizer failure as an OriginError of kind ErrFormat.
func formatError(rawURL string, format string, args ...any) *OriginError {
	return newOriginError(ErrFormat, rawURL, 0, fmt.Errorf(format, args...))
}

// permanentFormatError wraps a normalizer failure that can never succeed.
func permanentFormatError(rawURL string, format string, args ...any) *OriginError {
	return newOriginError(ErrFormatPermanent, rawURL, 0, fmt.Errorf(format, args...))
}
