package codec

import (
	"bytes"
	"encoding/base64"
	"strings"
)

const (
	mimeOctetStream = "application/octet-stream"
	mimeDocx        = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimeXlsx        = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	mimePptx        = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
)

// DetectMIME guesses a content type from magic bytes.
func DetectMIME(b []byte) string {
	switch {
	case len(b) == 0:
		return mimeOctetStream
	case bytes.HasPrefix(b, []byte("\x89PNG\r\n\x1a\n")):
		return "image/png"
	case bytes.HasPrefix(b, []byte{0xFF, 0xD8}):
		return "image/jpeg"
	case bytes.HasPrefix(b, []byte("GIF87a")), bytes.HasPrefix(b, []byte("GIF89a")):
		return "image/gif"
	case bytes.HasPrefix(b, []byte("BM")):
		return "image/bmp"
	case len(b) >= 12 && bytes.HasPrefix(b, []byte("RIFF")) && string(b[8:12]) == "WEBP":
		return "image/webp"
	case bytes.HasPrefix(b, []byte("%PDF")):
		return "application/pdf"
	case bytes.HasPrefix(b, []byte("PK\x03\x04")):
		return zipMIME(b)
	case b[0] == '<':
		if bytes.HasPrefix(b, []byte("<svg")) {
			return "image/svg+xml"
		}
		return "application/xml"
	case b[0] == '{' || b[0] == '[':
		return "application/json"
	}
	return mimeOctetStream
}

// zipMIME recognizes Office Open XML documents from the name of the first
// local file entry, which starts at offset 30.
func zipMIME(b []byte) string {
	if len(b) >= 50 {
		name := b[30:min(len(b), 50)]
		switch {
		case bytes.Contains(name, []byte("word/")):
			return mimeDocx
		case bytes.Contains(name, []byte("xl/")):
			return mimeXlsx
		case bytes.Contains(name, []byte("ppt/")):
			return mimePptx
		}
	}
	return "application/zip"
}

// DataURL encodes b as a base64 data URL with a sniffed MIME type.
func DataURL(b []byte) string {
	return DataURLWithMIME(DetectMIME(b), b)
}

// DataURLWithMIME encodes b as a base64 data URL with the given MIME type.
func DataURLWithMIME(mime string, b []byte) string {
	var sb strings.Builder
	sb.Grow(len("data:;base64,") + len(mime) + base64.StdEncoding.EncodedLen(len(b)))
	sb.WriteString("data:")
	sb.WriteString(mime)
	sb.WriteString(";base64,")
	sb.WriteString(base64.StdEncoding.EncodeToString(b))
	return sb.String()
}

// ParseDataURL decodes a data URL produced by DataURL, or a plain
// percent-free data URL with a non-base64 payload.
func ParseDataURL(s string) (mime string, data []byte, ok bool) {
	rest, found := strings.CutPrefix(s, "data:")
	if !found {
		return "", nil, false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", nil, false
	}
	mime, isBase64 := strings.CutSuffix(meta, ";base64")
	if mime == "" {
		mime = "text/plain"
	}
	if !isBase64 {
		return mime, []byte(payload), true
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, false
	}
	return mime, data, true
}
