// Package inline rewrites the references of an HTML document into data URIs.
package inline

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/dhcgn/mht-to-html/mhtml"
)

var (
	ErrMissingLocalFile    = errors.New("local file does not exist")
	ErrUnreadableLocalFile = errors.New("local file cannot be read")
)

// keys per compiled alternation; keeps each regexp well below the size limit
const batchSize = 256

var imgFileSrc = regexp.MustCompile(`(?i)<img\b[^>]*?\ssrc\s*=\s*"(file:///[^"]*)"[^>]*>`)

var extensionTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
}

// MediaTypeByExtension maps an image file name to its media type.
func MediaTypeByExtension(name string) string {
	if t, ok := extensionTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return t
	}
	return "application/octet-stream"
}

// Report counts the substitutions made by one Rewrite call.
type Report struct {
	CIDs          int
	Locations     int
	Files         int
	FilesSkipped  int
	LastFileError error
}

// Rewriter replaces cid:, Content-Location and file:/// references with
// data URIs. The zero value reads local files from the OS.
type Rewriter struct {
	ReadFile func(name string) ([]byte, error)
	Logger   *slog.Logger
}

// Rewrite uses a default Rewriter.
func Rewrite(html string, table *mhtml.ResourceTable) string {
	out, _ := (&Rewriter{}).Rewrite(html, table)
	return out
}

// Rewrite runs the CID, location and file passes over html, in that order.
func (r *Rewriter) Rewrite(html string, table *mhtml.ResourceTable) (string, Report) {
	var report Report

	segs := []segment{{text: html}}
	segs, report.CIDs = substituteAll(segs, table.CIDs(), false, func(match string) (string, bool) {
		return table.CID(strings.TrimPrefix(match, "cid:"))
	}, "cid:")
	segs, report.Locations = substituteAll(segs, table.Locations(), true, table.Location, "")

	out := joinSegments(segs)
	out = r.inlineFiles(out, &report)
	return out, report
}

type segment struct {
	text   string
	frozen bool
}

func joinSegments(segs []segment) string {
	if len(segs) == 1 {
		return segs[0].text
	}
	var sb strings.Builder
	for _, s := range segs {
		sb.WriteString(s.text)
	}
	return sb.String()
}

// substituteAll replaces keys in order. Keys that are valid UTF-8 are matched
// in regexp batches; any other key is matched literally, since a regexp
// cannot hold its bytes.
func substituteAll(segs []segment, keys []string, foldCase bool, lookup func(string) (string, bool), prefix string) ([]segment, int) {
	total := 0
	var batch []string
	flush := func() {
		if len(batch) == 0 {
			return
		}
		var n int
		if re, err := keyPattern(batch, foldCase, prefix); err == nil {
			segs, n = substitute(segs, re.FindAllStringIndex, lookup)
			total += n
		} else {
			for _, k := range batch {
				segs, n = substitute(segs, literalFinder(prefix+k, foldCase), lookup)
				total += n
			}
		}
		batch = batch[:0]
	}

	for _, k := range keys {
		if !utf8.ValidString(k) {
			flush()
			var n int
			segs, n = substitute(segs, literalFinder(prefix+k, foldCase), lookup)
			total += n
			continue
		}
		batch = append(batch, k)
		if len(batch) == batchSize {
			flush()
		}
	}
	flush()
	return segs, total
}

func keyPattern(keys []string, foldCase bool, prefix string) (*regexp.Regexp, error) {
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = regexp.QuoteMeta(k)
	}
	expr := regexp.QuoteMeta(prefix) + "(?:" + strings.Join(quoted, "|") + ")"
	if foldCase {
		expr = "(?i)" + expr
	}
	return regexp.Compile(expr)
}

// literalFinder returns every non-overlapping occurrence of needle, folding
// ASCII letters only when foldCase is set.
func literalFinder(needle string, foldCase bool) func(string, int) [][]int {
	return func(text string, _ int) [][]int {
		var locs [][]int
		for i := 0; i+len(needle) <= len(text); {
			j := indexFrom(text, needle, i, foldCase)
			if j < 0 {
				break
			}
			locs = append(locs, []int{j, j + len(needle)})
			i = j + len(needle)
		}
		return locs
	}
}

func indexFrom(text, needle string, from int, foldCase bool) int {
	if !foldCase {
		if j := strings.Index(text[from:], needle); j >= 0 {
			return from + j
		}
		return -1
	}
	for i := from; i+len(needle) <= len(text); i++ {
		if asciiEqualFold(text[i:i+len(needle)], needle) {
			return i
		}
	}
	return -1
}

func asciiEqualFold(a, b string) bool {
	for i := 0; i < len(a); i++ {
		x, y := a[i], b[i]
		if 'A' <= x && x <= 'Z' {
			x += 'a' - 'A'
		}
		if 'A' <= y && y <= 'Z' {
			y += 'a' - 'A'
		}
		if x != y {
			return false
		}
	}
	return true
}

// substitute replaces matches in unfrozen segments only, so inserted data
// URIs are never matched again.
func substitute(segs []segment, find func(string, int) [][]int, lookup func(string) (string, bool)) ([]segment, int) {
	count := 0
	out := make([]segment, 0, len(segs))
	for _, s := range segs {
		if s.frozen {
			out = append(out, s)
			continue
		}
		last := 0
		for _, loc := range find(s.text, -1) {
			uri, ok := lookup(s.text[loc[0]:loc[1]])
			if !ok {
				continue
			}
			if loc[0] > last {
				out = append(out, segment{text: s.text[last:loc[0]]})
			}
			out = append(out, segment{text: uri, frozen: true})
			last = loc[1]
			count++
		}
		if last < len(s.text) {
			out = append(out, segment{text: s.text[last:]})
		}
	}
	return out, count
}

// tagResult is the outcome of one <img> match: the tag to emit and, when the
// original tag is kept, why.
type tagResult struct {
	tag string
	err error
}

func (r *Rewriter) inlineFiles(html string, report *Report) string {
	matches := imgFileSrc.FindAllStringSubmatchIndex(html, -1)
	if len(matches) == 0 {
		return html
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		tag := html[m[0]:m[1]]
		res := r.inlineTag(tag, m[2]-m[0], m[3]-m[0])
		if res.err != nil {
			report.FilesSkipped++
			report.LastFileError = res.err
			if r.Logger != nil {
				r.Logger.Debug("local image left unchanged", "src", html[m[2]:m[3]], "err", res.err)
			}
		} else {
			report.Files++
		}
		sb.WriteString(html[last:m[0]])
		sb.WriteString(res.tag)
		last = m[1]
	}
	sb.WriteString(html[last:])
	return sb.String()
}

func (r *Rewriter) inlineTag(tag string, srcStart, srcEnd int) tagResult {
	src := tag[srcStart:srcEnd]
	path, err := localPath(src)
	if err != nil {
		return tagResult{tag: tag, err: fmt.Errorf("%w: %s: %v", ErrMissingLocalFile, src, err)}
	}

	readFile := r.ReadFile
	if readFile == nil {
		readFile = os.ReadFile
	}
	data, err := readFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return tagResult{tag: tag, err: fmt.Errorf("%w: %s", ErrMissingLocalFile, path)}
	}
	if err != nil {
		return tagResult{tag: tag, err: fmt.Errorf("%w: %s: %v", ErrUnreadableLocalFile, path, err)}
	}

	uri := mhtml.DataURI(MediaTypeByExtension(path), data)
	return tagResult{tag: tag[:srcStart] + uri + tag[srcEnd:]}
}

// localPath turns a file:/// URL into a filesystem path. On Windows the
// slash in front of the drive letter is dropped.
func localPath(src string) (string, error) {
	p, err := url.PathUnescape(src[len("file://"):])
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(p, "/") && filepath.VolumeName(filepath.FromSlash(p[1:])) != "" {
		p = p[1:]
	}
	return filepath.FromSlash(p), nil
}
