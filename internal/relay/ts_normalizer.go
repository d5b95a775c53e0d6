package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

// maxDecodeErrors is the number of consecutive decode errors tolerated before the stream is
// reported as corrupt.
const maxDecodeErrors = 200

// TSNormalizer repackages a raw MPEG-TS origin into fixed-duration HLS segments.
type TSNormalizer struct {
	url       string
	connector *OriginConnector
	config    NormalizerConfig
	logger    *slog.Logger
}

// NewTSNormalizer creates a TS to HLS normalizer.
func NewTSNormalizer(originURL string, connector *OriginConnector, config NormalizerConfig, logger *slog.Logger) *TSNormalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TSNormalizer{
		url:       originURL,
		connector: connector,
		config:    config.withDefaults(),
		logger:    logger,
	}
}

// Mode implements Normalizer.
func (n *TSNormalizer) Mode() StreamMode {
	return StreamModeTS
}

// Run implements Normalizer. It opens one streaming connection and segments it until failure.
func (n *TSNormalizer) Run(ctx context.Context, sink SegmentSink) error {
	stream, err := n.connector.Open(ctx, n.url)
	if err != nil {
		return err
	}
	defer stream.Close()

	seg := NewTSSegmenter(sink, n.config.SegmentDuration, n.logger)
	seg.originURL = n.url
	err = seg.Consume(stream)

	// Transport failures take precedence over whatever the demuxer made of them.
	if serr := stream.Err(); serr != nil {
		return serr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, io.EOF) {
		return newOriginError(ErrOriginUnreachable, n.url, 0, errors.New("origin ended stream"))
	}
	return err
}

// SwappableWriter is an io.Writer that can be redirected to different underlying buffers.
// A single mpegts.Writer writes through it so continuity counters carry across segments.
type SwappableWriter struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

// NewSwappableWriter creates a new SwappableWriter with an initial buffer.
func NewSwappableWriter(buf *bytes.Buffer) *SwappableWriter {
	return &SwappableWriter{buf: buf}
}

// Write implements io.Writer.
func (w *SwappableWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf == nil {
		return 0, io.ErrClosedPipe
	}
	return w.buf.Write(p)
}

// SetBuffer switches the underlying buffer.
func (w *SwappableWriter) SetBuffer(buf *bytes.Buffer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = buf
}

// TSSegmenter demuxes an MPEG-TS byte stream and remuxes it into segments that start on a
// random access point. Durations derive from the stream's own timestamps.
type TSSegmenter struct {
	sink      SegmentSink
	target    int64
	logger    *slog.Logger
	originURL string

	swap   *SwappableWriter
	writer *mpegts.Writer
	buf    *bytes.Buffer

	// The driving track decides segment boundaries: the video track, or the first audio track.
	hasVideo bool
	started  bool

	segStart     int64
	lastTS       int64
	lastFrameDur int64

	// discontinuity flags the next published segment.
	discontinuity bool

	decodeErrors int
	frames       uint64
	published    uint64
}

// NewTSSegmenter creates a segmenter publishing into sink.
func NewTSSegmenter(sink SegmentSink, target time.Duration, logger *slog.Logger) *TSSegmenter {
	if target <= 0 {
		target = DefaultSegmentDuration
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TSSegmenter{
		sink:   sink,
		target: int64(target.Seconds() * tsClockRate),
		logger: logger,
	}
}

// Consume reads src until it fails. A clean end of input flushes the last partial segment
// and returns io.EOF.
func (s *TSSegmenter) Consume(src io.Reader) error {
	inspector := &packetInspector{r: src, originURL: s.originURL, logger: s.logger}

	reader := &mpegts.Reader{R: inspector}
	if err := reader.Initialize(); err != nil {
		if ierr := inspector.failure(); ierr != nil {
			return ierr
		}
		if inspector.eof {
			return io.EOF
		}
		return formatError(s.originURL, "reading program tables: %v", err)
	}

	tracks, err := s.setupTracks(reader)
	if err != nil {
		return err
	}

	s.buf = new(bytes.Buffer)
	s.swap = NewSwappableWriter(s.buf)
	s.writer = &mpegts.Writer{
		W:      s.swap,
		Tracks: tracks,
	}
	if err := s.writer.Initialize(); err != nil {
		return formatError(s.originURL, "initializing mpegts writer: %v", err)
	}

	reader.OnDecodeError(func(err error) {
		s.decodeErrors++
		s.logger.Debug("MPEG-TS decode error", slog.String("error", err.Error()))
	})

	for {
		err := reader.Read()
		if s.decodeErrors > maxDecodeErrors {
			return formatError(s.originURL, "%d consecutive decode errors", s.decodeErrors)
		}
		if err == nil {
			continue
		}

		if ierr := inspector.failure(); ierr != nil {
			return ierr
		}
		if inspector.eof || errors.Is(err, io.EOF) || errors.Is(err, astits.ErrNoMorePackets) {
			if ferr := s.Flush(); ferr != nil {
				return ferr
			}
			return io.EOF
		}
		if errors.Is(err, ErrBufferClosed) {
			return err
		}
		return formatError(s.originURL, "reading transport stream: %v", err)
	}
}

// setupTracks registers callbacks for every supported track and returns the output tracks.
func (s *TSSegmenter) setupTracks(reader *mpegts.Reader) ([]*mpegts.Track, error) {
	var out []*mpegts.Track
	var driving *mpegts.Track

	for _, track := range reader.Tracks() {
		switch track.Codec.(type) {
		case *mpegts.CodecH264, *mpegts.CodecH265:
			if s.hasVideo {
				continue
			}
			s.hasVideo = true
			driving = track
			out = append(out, track)
		case *mpegts.CodecMPEG4Audio, *mpegts.CodecMPEG1Audio, *mpegts.CodecAC3, *mpegts.CodecOpus:
			out = append(out, track)
		}
	}
	if len(out) == 0 {
		return nil, formatError(s.originURL, "no tracks with supported codecs")
	}
	if driving == nil {
		driving = out[0]
	}

	for _, track := range out {
		s.register(reader, track, track == driving)
	}
	return out, nil
}

func (s *TSSegmenter) register(reader *mpegts.Reader, track *mpegts.Track, driving bool) {
	switch track.Codec.(type) {
	case *mpegts.CodecH264:
		reader.OnDataH264(track, func(pts, dts int64, au [][]byte) error {
			if !s.beforeFrame(dts, h264.IsRandomAccess(au)) {
				return nil
			}
			return s.written(s.writer.WriteH264(track, pts, dts, au))
		})

	case *mpegts.CodecH265:
		reader.OnDataH265(track, func(pts, dts int64, au [][]byte) error {
			if !s.beforeFrame(dts, h265.IsRandomAccess(au)) {
				return nil
			}
			return s.written(s.writer.WriteH265(track, pts, dts, au))
		})

	case *mpegts.CodecMPEG4Audio:
		reader.OnDataMPEG4Audio(track, func(pts int64, aus [][]byte) error {
			if !s.audioFrame(pts, driving) {
				return nil
			}
			return s.written(s.writer.WriteMPEG4Audio(track, pts, aus))
		})

	case *mpegts.CodecMPEG1Audio:
		reader.OnDataMPEG1Audio(track, func(pts int64, frames [][]byte) error {
			if !s.audioFrame(pts, driving) {
				return nil
			}
			return s.written(s.writer.WriteMPEG1Audio(track, pts, frames))
		})

	case *mpegts.CodecAC3:
		reader.OnDataAC3(track, func(pts int64, frame []byte) error {
			if !s.audioFrame(pts, driving) {
				return nil
			}
			return s.written(s.writer.WriteAC3(track, pts, frame))
		})

	case *mpegts.CodecOpus:
		reader.OnDataOpus(track, func(pts int64, packets [][]byte) error {
			if !s.audioFrame(pts, driving) {
				return nil
			}
			return s.written(s.writer.WriteOpus(track, pts, packets))
		})
	}
}

func (s *TSSegmenter) audioFrame(pts int64, driving bool) bool {
	if driving {
		return s.beforeFrame(pts, true)
	}
	return s.started
}

func (s *TSSegmenter) written(err error) error {
	if err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	s.decodeErrors = 0
	s.frames++
	return nil
}

// beforeFrame runs before a driving-track frame is written and reports whether to write it.
// It opens the first segment on a random access point, cuts once the target duration has
// elapsed, and splits on timestamp jumps.
func (s *TSSegmenter) beforeFrame(ts int64, randomAccess bool) bool {
	if !s.started {
		if !randomAccess {
			return false
		}
		s.started = true
		s.lastTS = ts
		s.startSegment(ts)
		return true
	}

	delta := ptsDelta(s.lastTS, ts)
	if delta < 0 || delta > tsMaxForwardJump {
		s.logger.Debug("timestamp discontinuity in origin stream",
			slog.Int64("from", s.lastTS),
			slog.Int64("to", ts))
		s.finish(ptsDelta(s.segStart, s.lastTS) + s.lastFrameDur)
		s.discontinuity = true
		s.lastTS = ts
		if !randomAccess {
			s.started = false
			return false
		}
		s.startSegment(ts)
		return true
	}

	if delta > 0 {
		s.lastFrameDur = delta
	}
	s.lastTS = ts

	if randomAccess {
		if elapsed := ptsDelta(s.segStart, ts); elapsed >= s.target {
			s.finish(elapsed)
			s.startSegment(ts)
		}
	}
	return true
}

func (s *TSSegmenter) startSegment(ts int64) {
	if s.buf.Len() > 0 {
		s.buf = new(bytes.Buffer)
		s.swap.SetBuffer(s.buf)
	}
	s.segStart = ts
}

// finish publishes the current buffer as a segment of the given duration in 90kHz ticks.
func (s *TSSegmenter) finish(duration int64) {
	if s.buf.Len() == 0 {
		return
	}
	if duration <= 0 {
		duration = s.lastFrameDur
	}

	seg := &Segment{
		Duration:      float64(duration) / tsClockRate,
		Data:          s.buf.Bytes(),
		ContentType:   ContentTypeMPEGTS,
		Extension:     ".ts",
		PTS:           s.segStart,
		Discontinuity: s.discontinuity,
	}
	s.discontinuity = false
	s.buf = new(bytes.Buffer)
	s.swap.SetBuffer(s.buf)

	if err := s.sink.Publish(seg); err != nil {
		s.logger.Debug("dropping segment, sink closed", slog.String("error", err.Error()))
		return
	}
	s.published++
}

// Flush publishes the partial segment in progress.
func (s *TSSegmenter) Flush() error {
	if !s.started || s.buf == nil {
		return nil
	}
	s.finish(ptsDelta(s.segStart, s.lastTS) + s.lastFrameDur)
	return nil
}

// Published returns the number of segments published.
func (s *TSSegmenter) Published() uint64 {
	return s.published
}

// ptsDelta returns b-a on the 33-bit timestamp circle.
func ptsDelta(a, b int64) int64 {
	d := (b - a) & tsTimestampMask
	if d > tsTimestampMask/2 {
		d -= tsTimestampMask + 1
	}
	return d
}

// packetInspector validates packet framing before the demuxer sees it. It resyncs on lost
// sync bytes and rejects scrambled streams.
type packetInspector struct {
	r         io.Reader
	originURL string
	logger    *slog.Logger

	pkt     [TSPacketSize]byte
	pending []byte

	eof    bool
	err    error
	resync int
}

// maxResyncBytes bounds the search for the next sync byte.
const maxResyncBytes = TSPacketSize * 16

func (p *packetInspector) Read(b []byte) (int, error) {
	if len(p.pending) == 0 {
		if err := p.next(); err != nil {
			return 0, err
		}
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

// next reads and validates one packet into p.pending.
func (p *packetInspector) next() error {
	if p.err != nil {
		return p.err
	}

	if _, err := io.ReadFull(p.r, p.pkt[:]); err != nil {
		return p.readErr(err)
	}

	if p.pkt[0] != TSSyncByte {
		if err := p.resyncPacket(); err != nil {
			return err
		}
	}

	pid := uint16(p.pkt[1]&0x1f)<<8 | uint16(p.pkt[2])
	if scrambling := p.pkt[3] >> 6; scrambling != 0 && pid != 0x1fff {
		p.err = permanentFormatError(p.originURL, "scrambled transport stream (pid %d)", pid)
		return p.err
	}

	p.pending = p.pkt[:]
	return nil
}

// resyncPacket scans forward for a sync byte and refills p.pkt from it.
func (p *packetInspector) resyncPacket() error {
	p.resync++
	p.logger.Debug("MPEG-TS sync lost, resyncing", slog.Int("resyncs", p.resync))

	window := append([]byte(nil), p.pkt[:]...)
	var one [1]byte
	for scanned := 0; scanned < maxResyncBytes; scanned++ {
		if idx := bytes.IndexByte(window[1:], TSSyncByte); idx >= 0 {
			window = window[idx+1:]
			need := TSPacketSize - len(window)
			copy(p.pkt[:], window)
			if need > 0 {
				if _, err := io.ReadFull(p.r, p.pkt[len(window):]); err != nil {
					return p.readErr(err)
				}
			}
			return nil
		}
		window = window[len(window)-1:]
		if _, err := io.ReadFull(p.r, one[:]); err != nil {
			return p.readErr(err)
		}
		window = append(window, one[0])
	}

	p.err = formatError(p.originURL, "lost MPEG-TS sync for %d bytes", maxResyncBytes)
	return p.err
}

func (p *packetInspector) readErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		p.eof = true
		return io.EOF
	}
	return err
}

// failure returns the inspector's own framing error, if any.
func (p *packetInspector) failure() error {
	if p.err != nil {
		return p.err
	}
	return nil
}
