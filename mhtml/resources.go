package mhtml

import (
	"encoding/base64"
	"sort"
	"strings"
	"unicode/utf8"
)

// DataURI encodes payload as a base64 data URI of the given media type.
func DataURI(mediaType string, payload []byte) string {
	var sb strings.Builder
	sb.Grow(len("data:;base64,") + len(mediaType) + base64.StdEncoding.EncodedLen(len(payload)))
	sb.WriteString("data:")
	sb.WriteString(mediaType)
	sb.WriteString(";base64,")
	sb.WriteString(base64.StdEncoding.EncodeToString(payload))
	return sb.String()
}

type locationEntry struct {
	key string
	uri string
}

// ResourceTable maps the identifiers of archive parts to data URIs.
// Content-IDs match exactly; Content-Locations match case-insensitively.
type ResourceTable struct {
	byCID      map[string]string
	byLocation map[string]locationEntry
}

func NewResourceTable() *ResourceTable {
	return &ResourceTable{
		byCID:      make(map[string]string),
		byLocation: make(map[string]locationEntry),
	}
}

// AddCID registers uri under a Content-ID. Angle brackets are stripped.
func (t *ResourceTable) AddCID(cid, uri string) {
	cid = stripAngles(cid)
	if cid == "" {
		return
	}
	t.byCID[cid] = uri
}

// AddLocation registers uri under a Content-Location.
func (t *ResourceTable) AddLocation(location, uri string) {
	if location == "" {
		return
	}
	t.byLocation[foldLocation(location)] = locationEntry{key: location, uri: uri}
}

func (t *ResourceTable) CID(cid string) (string, bool) {
	if t == nil {
		return "", false
	}
	uri, ok := t.byCID[cid]
	return uri, ok
}

func (t *ResourceTable) Location(location string) (string, bool) {
	if t == nil {
		return "", false
	}
	entry, ok := t.byLocation[foldLocation(location)]
	return entry.uri, ok
}

// CIDs returns the registered Content-IDs, longest first.
func (t *ResourceTable) CIDs() []string {
	if t == nil {
		return nil
	}
	keys := make([]string, 0, len(t.byCID))
	for k := range t.byCID {
		keys = append(keys, k)
	}
	sortLongestFirst(keys)
	return keys
}

// Locations returns the registered Content-Locations in their registered
// spelling, longest first.
func (t *ResourceTable) Locations() []string {
	if t == nil {
		return nil
	}
	keys := make([]string, 0, len(t.byLocation))
	for _, entry := range t.byLocation {
		keys = append(keys, entry.key)
	}
	sortLongestFirst(keys)
	return keys
}

// Len returns the number of distinct keys across both maps.
func (t *ResourceTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.byCID) + len(t.byLocation)
}

// foldLocation lower-cases a Content-Location. Raw header bytes that are not
// UTF-8 are kept as they are and only ASCII letters are folded.
func foldLocation(location string) string {
	if utf8.ValidString(location) {
		return strings.ToLower(location)
	}
	b := []byte(location)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

func sortLongestFirst(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
}
