package terminal

import (
	"fmt"
	"strings"
)

// Newline is the line terminator appended to sent lines and used to decide
// how received line breaks are shown.
type Newline string

const (
	NewlineCRLF Newline = "\r\n"
	NewlineCR   Newline = "\r"
	NewlineLF   Newline = "\n"
	NewlineNone Newline = ""
)

// ParseNewline maps a config name (crlf, cr, lf, none) to a Newline.
func ParseNewline(s string) (Newline, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "crlf", "":
		return NewlineCRLF, nil
	case "cr":
		return NewlineCR, nil
	case "lf":
		return NewlineLF, nil
	case "none":
		return NewlineNone, nil
	default:
		return "", fmt.Errorf("terminal: unknown newline %q (want crlf, cr, lf or none)", s)
	}
}

func (n Newline) String() string {
	switch n {
	case NewlineCRLF:
		return "crlf"
	case NewlineCR:
		return "cr"
	case NewlineLF:
		return "lf"
	default:
		return "none"
	}
}

const hexDigits = "0123456789ABCDEF"

// AppendHex appends p as space separated upper-case hex bytes.
func AppendHex(dst, p []byte) []byte {
	for i, b := range p {
		if i > 0 {
			dst = append(dst, ' ')
		}
		dst = append(dst, hexDigits[b>>4], hexDigits[b&0x0f])
	}
	return dst
}

// ToHex returns p as space separated upper-case hex bytes.
func ToHex(p []byte) string {
	return string(AppendHex(nil, p))
}

// FromHex parses hex digits from s, two per byte. Anything that is not a hex
// digit is skipped; a trailing single digit is taken as the low nibble.
func FromHex(s string) []byte {
	var (
		out    []byte
		b      byte
		nibble int
	)
	for i := 0; i < len(s); i++ {
		v, ok := hexValue(s[i])
		if !ok {
			continue
		}
		b = b<<4 | v
		nibble++
		if nibble == 2 {
			out = append(out, b)
			b, nibble = 0, 0
		}
	}
	if nibble > 0 {
		out = append(out, b)
	}
	return out
}

func hexValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// AppendCaret appends s with control characters in caret notation (^M for
// CR). LF is kept as is when keepNewline is set.
func AppendCaret(dst []byte, s string, keepNewline bool) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 32 && !(keepNewline && c == '\n') {
			dst = append(dst, '^', c+64)
			continue
		}
		dst = append(dst, c)
	}
	return dst
}

// Caret returns s with control characters in caret notation.
func Caret(s string, keepNewline bool) string {
	return string(AppendCaret(nil, s, keepNewline))
}
