// Package mhtml parses MHTML archives into their HTML body and the resource
// parts the body refers to.
package mhtml

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/gabriel-vasile/mimetype"
	htmlcharset "golang.org/x/net/html/charset"
	"golang.org/x/text/transform"
)

var (
	ErrNoHTMLBody       = errors.New("mhtml: archive has no HTML body")
	ErrMalformedArchive = errors.New("mhtml: malformed archive")
)

const maxDepth = 32

// Options controls how tolerant Parse is of damaged parts.
type Options struct {
	// Strict fails the whole archive when a single part cannot be decoded.
	// Otherwise the part is dropped and reported through Logger.
	Strict bool
	Logger *slog.Logger
}

// Part is one leaf body of the archive. Multipart containers are never Parts.
type Part struct {
	Index           int
	ContentID       string
	ContentLocation string
	MediaType       string
	Params          map[string]string
	Disposition     string
	Payload         []byte

	// utf8 is set when the payload was already converted from its declared
	// charset.
	utf8 bool
}

// IsHTML reports whether the part holds an HTML document.
func (p Part) IsHTML() bool {
	return p.MediaType == "text/html"
}

// IsAttachment reports whether the part is explicitly marked as an attachment.
func (p Part) IsAttachment() bool {
	return p.Disposition == "attachment"
}

// Archive is a decoded MHTML document.
type Archive struct {
	Parts []Part

	rootType string
	start    string
	skipped  int
}

// Skipped returns the number of parts dropped because they could not be decoded.
func (a *Archive) Skipped() int {
	return a.skipped
}

// Parse reads an entire MHTML archive from r.
func Parse(r io.Reader, opts Options) (*Archive, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformedArchive)
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if entity == nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedArchive, err)
	}

	p := &parser{opts: opts, archive: &Archive{}}
	p.archive.rootType, p.archive.start = rootInfo(entity)
	if err := p.visit(entity, err, 0); err != nil {
		return nil, err
	}
	return p.archive, nil
}

func rootInfo(e *message.Entity) (string, string) {
	mediaType, params, _ := e.Header.ContentType()
	return strings.ToLower(mediaType), stripAngles(params["start"])
}

type parser struct {
	opts    Options
	archive *Archive
}

func (p *parser) visit(e *message.Entity, entErr error, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: multipart nesting deeper than %d", ErrMalformedArchive, maxDepth)
	}

	if mr := e.MultipartReader(); mr != nil {
		if _, params, _ := e.Header.ContentType(); params["boundary"] == "" {
			return fmt.Errorf("%w: multipart entity without boundary", ErrMalformedArchive)
		}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if part == nil {
				return fmt.Errorf("%w: %v", ErrMalformedArchive, err)
			}
			if err := p.visit(part, err, depth+1); err != nil {
				return err
			}
		}
	}

	return p.leaf(e, entErr)
}

func (p *parser) leaf(e *message.Entity, entErr error) error {
	index := len(p.archive.Parts) + p.archive.skipped
	contentID := stripAngles(e.Header.Get("Content-Id"))
	location := strings.TrimSpace(e.Header.Get("Content-Location"))

	if message.IsUnknownEncoding(entErr) {
		return p.partFailed(index, contentID, location, entErr)
	}

	payload, err := io.ReadAll(e.Body)
	if err != nil {
		return p.partFailed(index, contentID, location, err)
	}

	mediaType, params := mediaTypeOf(e.Header, payload)
	disposition, _, _ := e.Header.ContentDisposition()

	part := Part{
		Index:           index,
		ContentID:       contentID,
		ContentLocation: location,
		MediaType:       mediaType,
		Params:          params,
		Disposition:     strings.ToLower(disposition),
		Payload:         payload,
		utf8:            strings.HasPrefix(mediaType, "text/") && params["charset"] != "" && !message.IsUnknownCharset(entErr),
	}
	if message.IsUnknownCharset(entErr) && p.opts.Logger != nil {
		p.opts.Logger.Debug("unknown charset, keeping raw bytes", "part", index, "charset", params["charset"])
	}
	p.archive.Parts = append(p.archive.Parts, part)
	return nil
}

func (p *parser) partFailed(index int, contentID, location string, err error) error {
	if p.opts.Strict {
		return fmt.Errorf("%w: part %d: %v", ErrMalformedArchive, index, err)
	}
	p.archive.skipped++
	if p.opts.Logger != nil {
		p.opts.Logger.Warn("skipping undecodable part", "part", index, "cid", contentID, "location", location, "err", err)
	}
	return nil
}

func mediaTypeOf(h message.Header, payload []byte) (string, map[string]string) {
	raw := strings.TrimSpace(h.Get("Content-Type"))
	if raw == "" {
		detected := mimetype.Detect(payload).String()
		mediaType, params, err := mime.ParseMediaType(detected)
		if err != nil {
			mediaType, _, _ = strings.Cut(detected, ";")
		}
		return normalizeMediaType(mediaType), params
	}

	mediaType, params, err := h.ContentType()
	if err != nil {
		mediaType, _, _ = strings.Cut(raw, ";")
	}
	if params == nil {
		params = map[string]string{}
	}
	return normalizeMediaType(mediaType), params
}

func normalizeMediaType(mediaType string) string {
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	switch mediaType {
	case "":
		return "application/octet-stream"
	case "image/jpg", "image/pjpeg":
		return "image/jpeg"
	}
	return mediaType
}

func stripAngles(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	return strings.TrimSuffix(id, ">")
}

// HTMLBody returns the designated HTML document of the archive, decoded to
// UTF-8 where its charset can be determined.
func (a *Archive) HTMLBody() (string, error) {
	part, ok := a.htmlPart()
	if !ok {
		return "", ErrNoHTMLBody
	}
	return decodeHTML(part), nil
}

// BodyIndex returns the Index of the designated HTML part, or -1.
func (a *Archive) BodyIndex() int {
	if part, ok := a.htmlPart(); ok {
		return part.Index
	}
	return -1
}

func (a *Archive) htmlPart() (Part, bool) {
	if a.rootType == "multipart/related" && a.start != "" {
		for _, p := range a.Parts {
			if p.ContentID == a.start && p.IsHTML() {
				return p, true
			}
		}
	}
	for _, p := range a.Parts {
		if p.IsHTML() && !p.IsAttachment() {
			return p, true
		}
	}
	return Part{}, false
}

func decodeHTML(p Part) string {
	if p.utf8 {
		return declareUTF8(string(p.Payload))
	}
	enc, name, certain := htmlcharset.DetermineEncoding(p.Payload, "text/html")
	if name == "utf-8" || (!certain && utf8.Valid(p.Payload)) {
		return string(p.Payload)
	}
	decoded, _, err := transform.Bytes(enc.NewDecoder(), p.Payload)
	if err != nil {
		return string(p.Payload)
	}
	return declareUTF8(string(decoded))
}

var metaCharset = regexp.MustCompile(`(?i)(<meta\b[^>]*?\bcharset\s*=\s*["']?)([^"'\s/>;]+)`)

// declareUTF8 points <meta> charset declarations at utf-8 once the document
// has been converted.
func declareUTF8(html string) string {
	return metaCharset.ReplaceAllStringFunc(html, func(m string) string {
		sub := metaCharset.FindStringSubmatch(m)
		if strings.EqualFold(sub[2], "utf-8") || strings.EqualFold(sub[2], "utf8") {
			return m
		}
		return sub[1] + "utf-8"
	})
}

// Resources builds the resource table of every part except the HTML body.
func (a *Archive) Resources() *ResourceTable {
	table := NewResourceTable()
	body, hasBody := a.htmlPart()
	for _, p := range a.Parts {
		if hasBody && p.Index == body.Index {
			continue
		}
		if p.ContentID == "" && p.ContentLocation == "" {
			continue
		}
		uri := DataURI(p.MediaType, p.Payload)
		if p.ContentID != "" {
			table.AddCID(p.ContentID, uri)
		}
		if p.ContentLocation != "" {
			table.AddLocation(p.ContentLocation, uri)
		}
	}
	return table
}

// Extract parses an archive and returns its HTML body and resource table.
func Extract(r io.Reader, opts Options) (string, *ResourceTable, error) {
	archive, err := Parse(r, opts)
	if err != nil {
		return "", nil, err
	}
	body, err := archive.HTMLBody()
	if err != nil {
		return "", nil, err
	}
	return body, archive.Resources(), nil
}
