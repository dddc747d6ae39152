package output

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// maxLineLength is the longest partial line held. Anything longer is emitted
// in lines of at most this length.
const maxLineLength = 64 * 1024

// LineBuffer reassembles newline-delimited text from chunks split at
// arbitrary byte offsets. It is not safe for concurrent use; keep one per
// channel.
type LineBuffer struct {
	partial []byte
}

// Write appends p and returns every line it completed, without line
// terminators.
func (b *LineBuffer) Write(p []byte) []string {
	var lines []string

	b.partial = append(b.partial, p...)

	for {
		i := bytes.IndexByte(b.partial, '\n')
		if i < 0 {
			break
		}

		lines = append(lines, Decode(b.partial[:i]))
		b.partial = b.partial[i+1:]
	}

	for len(b.partial) > maxLineLength {
		cut := splitPoint(b.partial)
		lines = append(lines, Decode(b.partial[:cut]))
		b.partial = b.partial[cut:]
	}

	if len(b.partial) == 0 {
		b.partial = nil
	} else {
		b.partial = bytes.Clone(b.partial)
	}

	return lines
}

// splitPoint returns where an overlong partial line is cut, backing off so a
// rune starting before maxLineLength is kept whole.
func splitPoint(p []byte) int {
	cut := maxLineLength
	for i := 0; i < utf8.UTFMax-1 && cut > 0 && !utf8.RuneStart(p[cut]); i++ {
		cut--
	}

	if cut == 0 || !utf8.RuneStart(p[cut]) {
		return maxLineLength
	}

	return cut
}

// Flush returns any trailing text that was never terminated by a newline.
func (b *LineBuffer) Flush() (string, bool) {
	if len(b.partial) == 0 {
		return "", false
	}

	line := Decode(b.partial)
	b.partial = nil

	return line, true
}

// Decode converts a line of raw output to text. A trailing carriage return
// is trimmed and ill-formed UTF-8 is replaced with U+FFFD.
func Decode(p []byte) string {
	p = bytes.TrimSuffix(p, []byte("\r"))

	if utf8.Valid(p) {
		return string(p)
	}

	decoded, _, err := transform.Bytes(runes.ReplaceIllFormed(), p)
	if err != nil {
		return strings.ToValidUTF8(string(p), string(utf8.RuneError))
	}

	return string(decoded)
}
