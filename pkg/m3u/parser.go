// Package m3u parses extended M3U channel lists (EXTINF metadata followed by a stream URL).
package m3u

import (
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// maxLineSize bounds a single playlist line. Tokenised provider URLs can be long.
const maxLineSize = 1024 * 1024

// ErrNoCallback is returned by Parse when OnEntry is unset.
var ErrNoCallback = errors.New("m3u: OnEntry callback is required")

// Entry is one channel entry of a playlist.
type Entry struct {
	// Duration is the EXTINF duration in seconds, -1 for live streams.
	Duration int

	TvgID         string
	TvgName       string
	TvgLogo       string
	GroupTitle    string
	ChannelNumber int

	// Title is the text after the attribute list.
	Title string

	URL string

	// Line is the line number of the URL.
	Line int

	// Extra holds attributes without a dedicated field, keyed by lower-case name.
	Extra map[string]string
}

// Name returns the best display name for the entry.
func (e *Entry) Name() string {
	switch {
	case e.Title != "":
		return e.Title
	case e.TvgName != "":
		return e.TvgName
	default:
		return nameFromURL(e.URL)
	}
}

// Parser streams entries from a playlist to a callback.
type Parser struct {
	// OnEntry is called for each entry. Returning an error stops parsing.
	OnEntry func(entry *Entry) error

	// OnError is called for malformed lines, which are skipped. Nil ignores them.
	OnError func(line int, err error)
}

var (
	extinfRe = regexp.MustCompile(`^#EXTINF:\s*(-?\d+(?:\.\d+)?)\s*(.*)$`)
	attrRe   = regexp.MustCompile(`([a-zA-Z0-9_-]+)=(?:"([^"]*)"|([^\s,]+))`)
)

// Parse reads a plain text playlist.
func (p *Parser) Parse(r io.Reader) error {
	if p.OnEntry == nil {
		return ErrNoCallback
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		pending  *Entry
		extended bool
		lineNum  int
	)
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if lineNum == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}

		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#EXTM3U"):
			extended = true
		case strings.HasPrefix(line, "#EXTINF:"):
			entry, err := parseExtinf(line)
			if err != nil {
				p.reportError(lineNum, err)
				pending = nil
				continue
			}
			if pending != nil {
				p.reportError(lineNum, fmt.Errorf("EXTINF without URL before line %d", lineNum))
			}
			pending = entry
		case strings.HasPrefix(line, "#EXTGRP:"):
			if pending != nil && pending.GroupTitle == "" {
				pending.GroupTitle = strings.TrimSpace(strings.TrimPrefix(line, "#EXTGRP:"))
			}
		case strings.HasPrefix(line, "#"):
			continue
		default:
			entry := pending
			pending = nil
			if entry == nil {
				if extended {
					p.reportError(lineNum, errors.New("URL without EXTINF"))
				}
				entry = &Entry{Duration: -1, Extra: map[string]string{}}
			}
			entry.URL = line
			entry.Line = lineNum
			if err := p.OnEntry(entry); err != nil {
				return fmt.Errorf("entry at line %d: %w", lineNum, err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning playlist: %w", err)
	}
	return nil
}

// ParseCompressed detects gzip or bzip2 input by its magic bytes and parses the decompressed playlist.
func (p *Parser) ParseCompressed(r io.Reader) error {
	br := bufio.NewReader(r)
	header, err := br.Peek(3)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("peeking header: %w", err)
	}

	switch {
	case len(header) >= 2 && header[0] == 0x1f && header[1] == 0x8b:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("opening gzip stream: %w", err)
		}
		defer gz.Close()
		return p.Parse(gz)
	case len(header) >= 3 && string(header) == "BZh":
		return p.Parse(bzip2.NewReader(br))
	default:
		return p.Parse(br)
	}
}

// ParseAll collects every entry of a playlist.
func ParseAll(r io.Reader) ([]*Entry, error) {
	var entries []*Entry
	p := &Parser{OnEntry: func(e *Entry) error {
		entries = append(entries, e)
		return nil
	}}
	if err := p.ParseCompressed(r); err != nil {
		return nil, err
	}
	return entries, nil
}

func parseExtinf(line string) (*Entry, error) {
	m := extinfRe.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("invalid EXTINF line %q", truncate(line, 80))
	}

	duration := -1
	if d, err := strconv.ParseFloat(m[1], 64); err == nil {
		duration = int(d)
	}
	entry := &Entry{Duration: duration, Extra: map[string]string{}}

	attrs := m[2]
	if idx := titleSeparator(attrs); idx >= 0 {
		entry.Title = strings.TrimSpace(attrs[idx+1:])
		attrs = attrs[:idx]
	}

	for _, a := range attrRe.FindAllStringSubmatch(attrs, -1) {
		key := strings.ToLower(a[1])
		value := a[2]
		if value == "" {
			value = a[3]
		}
		switch key {
		case "tvg-id":
			entry.TvgID = value
		case "tvg-name":
			entry.TvgName = value
		case "tvg-logo":
			entry.TvgLogo = value
		case "group-title":
			entry.GroupTitle = value
		case "tvg-chno", "channel-number":
			entry.ChannelNumber, _ = strconv.Atoi(value)
		default:
			entry.Extra[key] = value
		}
	}
	return entry, nil
}

// titleSeparator returns the index of the first comma outside quotes.
func titleSeparator(s string) int {
	quoted := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				return i
			}
		}
	}
	return -1
}

func nameFromURL(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	base := path.Base(raw)
	if ext := path.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" || base == "." || base == "/" {
		return "Unknown"
	}
	return base
}

func (p *Parser) reportError(line int, err error) {
	if p.OnError != nil {
		p.OnError(line, err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
