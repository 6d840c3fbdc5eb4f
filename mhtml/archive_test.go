package mhtml

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pngBase64 = "iVBORw0KGgo="

const savedPage = `From: <Saved by Blink>
Snapshot-Content-Location: http://example.com/page.html
Subject: Example
MIME-Version: 1.0
Content-Type: multipart/related;
	type="text/html";
	boundary="----MultipartBoundary--abc"

------MultipartBoundary--abc
Content-Type: text/html
Content-ID: <frame-0@mhtml.blink>
Content-Transfer-Encoding: quoted-printable
Content-Location: http://example.com/page.html

<html><body><img src=3D"cid:img1"><img src=3D"http://example.com/x.png"></bod=
y></html>
------MultipartBoundary--abc
Content-Type: image/png
Content-Transfer-Encoding: base64
Content-ID: <img1>

iVBORw0KGgo=
------MultipartBoundary--abc
Content-Type: image/jpg
Content-Transfer-Encoding: base64
Content-Location: http://example.com/X.png

R0lGODlh
------MultipartBoundary--abc--
`

func TestParseSavedPage(t *testing.T) {
	archive, err := Parse(strings.NewReader(savedPage), Options{})
	require.NoError(t, err)
	require.Len(t, archive.Parts, 3)

	assert.Equal(t, "text/html", archive.Parts[0].MediaType)
	assert.Equal(t, "frame-0@mhtml.blink", archive.Parts[0].ContentID)
	assert.Equal(t, "img1", archive.Parts[1].ContentID)
	assert.Equal(t, "image/png", archive.Parts[1].MediaType)
	assert.Equal(t, []byte("\x89PNG\r\n\x1a\n"), archive.Parts[1].Payload)
	assert.Equal(t, "image/jpeg", archive.Parts[2].MediaType)
	assert.Equal(t, "http://example.com/X.png", archive.Parts[2].ContentLocation)
	assert.Equal(t, 0, archive.BodyIndex())

	body, err := archive.HTMLBody()
	require.NoError(t, err)
	assert.Equal(t, `<html><body><img src="cid:img1"><img src="http://example.com/x.png"></body></html>`, strings.TrimSpace(body))
}

func TestResources(t *testing.T) {
	archive, err := Parse(strings.NewReader(savedPage), Options{})
	require.NoError(t, err)

	table := archive.Resources()
	assert.Equal(t, 2, table.Len())

	uri, ok := table.CID("img1")
	require.True(t, ok)
	assert.Equal(t, "data:image/png;base64,"+pngBase64, uri)

	_, ok = table.CID("IMG1")
	assert.False(t, ok, "content-id lookup is case-sensitive")

	uri, ok = table.Location("HTTP://EXAMPLE.COM/x.PNG")
	require.True(t, ok)
	assert.Equal(t, "data:image/jpeg;base64,R0lGODlh", uri)

	_, ok = table.Location("http://example.com/page.html")
	assert.False(t, ok, "the HTML body is not a resource")
	_, ok = table.CID("frame-0@mhtml.blink")
	assert.False(t, ok, "the HTML body is not a resource")
}

func TestResourcesLeaveOutBody(t *testing.T) {
	raw := "Content-Type: multipart/related; boundary=\"b\"\n\n" +
		"--b\nContent-Type: text/html\nContent-ID: <page>\nContent-Location: http://example.com/\n\n" +
		"<a href=\"http://example.com/\">self</a>\n" +
		"--b--\n"

	archive, err := Parse(strings.NewReader(raw), Options{})
	require.NoError(t, err)
	require.Equal(t, 0, archive.BodyIndex())
	assert.Equal(t, 0, archive.Resources().Len(), "the body part never becomes a data URI of itself")
}

func TestRawByteIdentifiers(t *testing.T) {
	raw := "Content-Type: multipart/related; boundary=\"b\"\n\n" +
		"--b\nContent-Type: text/html\n\n<p>page</p>\n" +
		"--b\nContent-Type: image/gif\nContent-Transfer-Encoding: base64\n" +
		"Content-Location: file:///C:/\xc7\xd1\xb1\xdb.png\n\nR0lGODlh\n" +
		"--b\nContent-Type: image/gif\nContent-Transfer-Encoding: base64\n" +
		"Content-Location: file:///C:/\xff\xd1\xb1\xdb.png\n\nR0lGODlh\n" +
		"--b\nContent-Type: image/png\nContent-Transfer-Encoding: base64\n" +
		"Content-ID: <\xff\xfe@x>\n\niVBORw0KGgo=\n" +
		"--b--\n"

	archive, err := Parse(strings.NewReader(raw), Options{})
	require.NoError(t, err)
	require.Len(t, archive.Parts, 4)
	assert.Equal(t, "\xff\xfe@x", archive.Parts[3].ContentID)

	table := archive.Resources()
	assert.Equal(t, 3, table.Len(), "distinct raw-byte locations do not collide")

	_, ok := table.Location("FILE:///c:/\xc7\xd1\xb1\xdb.png")
	assert.True(t, ok)
	_, ok = table.CID("\xff\xfe@x")
	assert.True(t, ok)
}

func TestExtractNoHTMLBody(t *testing.T) {
	raw := `MIME-Version: 1.0
Content-Type: multipart/related; boundary="b"

--b
Content-Type: image/png
Content-Transfer-Encoding: base64
Content-ID: <img1>

iVBORw0KGgo=
--b--
`
	_, _, err := Extract(strings.NewReader(raw), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoHTMLBody))

	archive, err := Parse(strings.NewReader(raw), Options{})
	require.NoError(t, err)
	assert.Equal(t, -1, archive.BodyIndex())
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "whitespace", raw: "\n\n  \n"},
		{name: "not a header block", raw: "this is not\na mime archive\n"},
		{name: "missing boundary", raw: "Content-Type: multipart/related\n\nbody without parts\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.raw), Options{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedArchive), "got %v", err)
		})
	}
}

const brokenPart = `MIME-Version: 1.0
Content-Type: multipart/related; boundary="b"

--b
Content-Type: text/html

<p>hi</p>
--b
Content-Type: image/png
Content-Transfer-Encoding: x-unknown
Content-ID: <bad>

????
--b
Content-Type: image/png
Content-Transfer-Encoding: base64
Content-ID: <good>

iVBORw0KGgo=
--b--
`

func TestParseUndecodablePart(t *testing.T) {
	archive, err := Parse(strings.NewReader(brokenPart), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, archive.Skipped())
	require.Len(t, archive.Parts, 2)

	table := archive.Resources()
	_, ok := table.CID("bad")
	assert.False(t, ok)
	_, ok = table.CID("good")
	assert.True(t, ok)
}

func TestParseUndecodablePartStrict(t *testing.T) {
	_, err := Parse(strings.NewReader(brokenPart), Options{Strict: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedArchive))
}

func TestParseCorruptBase64(t *testing.T) {
	raw := `Content-Type: multipart/related; boundary="b"

--b
Content-Type: text/html

<p>hi</p>
--b
Content-Type: image/png
Content-Transfer-Encoding: base64
Content-ID: <bad>

@@@@
--b--
`
	archive, err := Parse(strings.NewReader(raw), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, archive.Skipped())

	_, err = Parse(strings.NewReader(raw), Options{Strict: true})
	assert.True(t, errors.Is(err, ErrMalformedArchive))
}

func TestHTMLBodyHonoursStart(t *testing.T) {
	raw := `Content-Type: multipart/related; boundary="b"; start="<main>"

--b
Content-Type: text/html
Content-ID: <frame>

<p>frame</p>
--b
Content-Type: text/html
Content-ID: <main>

<p>main</p>
--b--
`
	archive, err := Parse(strings.NewReader(raw), Options{})
	require.NoError(t, err)

	body, err := archive.HTMLBody()
	require.NoError(t, err)
	assert.Equal(t, "<p>main</p>", strings.TrimSpace(body))
	assert.Equal(t, 1, archive.BodyIndex())

	uri, ok := archive.Resources().CID("frame")
	require.True(t, ok, "other HTML parts stay embeddable")
	assert.True(t, strings.HasPrefix(uri, "data:text/html;base64,"))
}

func TestHTMLBodySkipsAttachments(t *testing.T) {
	raw := `Content-Type: multipart/mixed; boundary="b"

--b
Content-Type: text/html
Content-Disposition: attachment; filename="other.html"

<p>attached</p>
--b
Content-Type: multipart/alternative; boundary="c"

--c
Content-Type: text/plain

plain
--c
Content-Type: text/html; charset=utf-8

<p>body</p>
--c--
--b--
`
	body, _, err := Extract(strings.NewReader(raw), Options{})
	require.NoError(t, err)
	assert.Equal(t, "<p>body</p>", strings.TrimSpace(body))
}

func TestHTMLBodyCharsets(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "declared charset",
			raw: "Content-Type: text/html; charset=iso-8859-1\n" +
				"Content-Transfer-Encoding: quoted-printable\n\n" +
				"<p>caf=E9</p>\n",
			want: "<p>café</p>",
		},
		{
			name: "meta charset",
			raw: "Content-Type: text/html\n" +
				"Content-Transfer-Encoding: quoted-printable\n\n" +
				"<meta charset=3D\"windows-1252\"><p>caf=E9</p>\n",
			want: `<meta charset="utf-8"><p>café</p>`,
		},
		{
			name: "http-equiv after header charset",
			raw: "Content-Type: text/html; charset=iso-8859-1\n" +
				"Content-Transfer-Encoding: quoted-printable\n\n" +
				"<META HTTP-EQUIV=3D\"Content-Type\" CONTENT=3D\"text/html; charset=3Diso-8859-1\"><p>caf=E9</p>\n",
			want: `<META HTTP-EQUIV="Content-Type" CONTENT="text/html; charset=utf-8"><p>café</p>`,
		},
		{
			name: "utf-8 declaration kept",
			raw: "Content-Type: text/html\n" +
				"Content-Transfer-Encoding: quoted-printable\n\n" +
				"<meta charset=3D\"UTF-8\"><p>caf=C3=A9</p>\n",
			want: `<meta charset="UTF-8"><p>café</p>`,
		},
		{
			name: "undeclared utf-8",
			raw: "Content-Type: text/html\n" +
				"Content-Transfer-Encoding: quoted-printable\n\n" +
				"<p>caf=C3=A9</p>\n",
			want: "<p>café</p>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _, err := Extract(strings.NewReader(tt.raw), Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, strings.TrimSpace(body))
		})
	}
}

func TestUntypedPartIsSniffed(t *testing.T) {
	raw := `Content-Type: multipart/related; boundary="b"

--b
Content-Type: text/html

<img src="cid:logo">
--b
Content-Transfer-Encoding: base64
Content-ID: <logo>

iVBORw0KGgo=
--b--
`
	_, table, err := Extract(strings.NewReader(raw), Options{})
	require.NoError(t, err)

	uri, ok := table.CID("logo")
	require.True(t, ok)
	assert.Equal(t, "data:image/png;base64,"+pngBase64, uri)
}

func TestDuplicateKeysLastWriterWins(t *testing.T) {
	raw := `Content-Type: multipart/related; boundary="b"

--b
Content-Type: text/html

<p>x</p>
--b
Content-Type: text/plain
Content-Location: http://example.com/a.txt

first
--b
Content-Type: text/plain
Content-Location: HTTP://example.com/A.txt

second
--b--
`
	_, table, err := Extract(strings.NewReader(raw), Options{})
	require.NoError(t, err)

	uri, ok := table.Location("http://example.com/a.txt")
	require.True(t, ok)
	assert.Equal(t, DataURI("text/plain", []byte("second")), uri)
	assert.Equal(t, []string{"HTTP://example.com/A.txt"}, table.Locations())
}

func TestSinglePartDocument(t *testing.T) {
	raw := "MIME-Version: 1.0\nContent-Type: text/html\n\n<p>only</p>\n"
	body, table, err := Extract(strings.NewReader(raw), Options{})
	require.NoError(t, err)
	assert.Equal(t, "<p>only</p>", strings.TrimSpace(body))
	assert.Equal(t, 0, table.Len())
}
