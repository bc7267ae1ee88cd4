package executer

import (
	"strings"
	"unicode/utf8"

	"github.com/sudankdk/icee/internal/model"
	"github.com/sudankdk/icee/internal/sourceerr"
)

// maxPartialLine bounds how much of an unterminated line is kept for parsing.
const maxPartialLine = 64 * 1024

// textDecoder turns raw chunks of one channel into valid UTF-8 text. A rune
// split across two chunks is held back until the rest of it arrives.
type textDecoder struct {
	carry []byte
}

func (d *textDecoder) Decode(p []byte) string {
	buf := append(d.carry, p...)
	cut := completePrefix(buf)
	d.carry = append([]byte(nil), buf[cut:]...)
	return strings.ToValidUTF8(string(buf[:cut]), string(utf8.RuneError))
}

func (d *textDecoder) Flush() string {
	s := strings.ToValidUTF8(string(d.carry), string(utf8.RuneError))
	d.carry = nil
	return s
}

// completePrefix returns the length of b without a trailing incomplete rune.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i > len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}

// lineCollector feeds complete lines to a parser and keeps what it finds.
// Each channel has its own unfinished line so stdout and stderr never mix.
type lineCollector struct {
	parser  sourceerr.Parser
	partial map[model.StreamChannel]string
	found   []model.SourceError
}

func newLineCollector(parser sourceerr.Parser) *lineCollector {
	return &lineCollector{parser: parser, partial: map[model.StreamChannel]string{}}
}

func (c *lineCollector) Feed(ch model.StreamChannel, text string) {
	lines := strings.Split(c.partial[ch]+text, "\n")
	rest := lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		c.parse(line)
	}
	if len(rest) > maxPartialLine {
		c.parse(rest)
		rest = ""
	}
	c.partial[ch] = rest
}

// Flush parses what is left of every channel, in channel order.
func (c *lineCollector) Flush() {
	for _, ch := range []model.StreamChannel{model.StdOut, model.StdErr, model.StdIn} {
		if line := c.partial[ch]; line != "" {
			c.parse(line)
		}
		delete(c.partial, ch)
	}
}

func (c *lineCollector) parse(line string) {
	if se, ok := c.parser.TryParse(line); ok {
		c.found = append(c.found, se)
	}
}
