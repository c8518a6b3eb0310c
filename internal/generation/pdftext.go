package generation

import (
	"bytes"
	"compress/zlib"
	"io"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf16"
)

const (
	// maxStreamBytes bounds one decompressed content stream.
	maxStreamBytes = 8 << 20
	// maxPDFText bounds the text kept for one document.
	maxPDFText = 1 << 20
)

var streamStart = regexp.MustCompile(`stream\r?\n`)

// skippedStreams marks dictionaries of streams that never hold page text.
var skippedStreams = []string{"/Image", "/Length1", "/Length2", "/Length3", "/XRef", "/ObjStm", "/Metadata"}

// pdfText returns the text shown by the content streams of a PDF, one
// paragraph per text object. Only unfiltered and FlateDecode streams are
// read, and glyphs are taken as single bytes, so documents using composite
// fonts come back partially or empty.
func pdfText(data []byte) string {
	var blocks []string
	size := 0
	rest := data
	for size < maxPDFText {
		loc := streamStart.FindIndex(rest)
		if loc == nil {
			break
		}
		dict := streamDict(rest[:loc[0]])
		body := rest[loc[1]:]
		end := bytes.Index(body, []byte("endstream"))
		if end < 0 {
			break
		}
		rest = body[end+len("endstream"):]

		if skipStream(dict) {
			continue
		}
		content, ok := decodeStream(dict, body[:end])
		if !ok {
			continue
		}
		for _, b := range contentText(content) {
			blocks = append(blocks, b)
			size += len(b)
		}
	}
	return strings.Join(blocks, "\n\n")
}

// streamDict returns the dictionary written just before a stream keyword.
func streamDict(before []byte) string {
	i := bytes.LastIndex(before, []byte("obj"))
	if i < 0 {
		i = 0
	}
	return string(before[i:])
}

func skipStream(dict string) bool {
	for _, s := range skippedStreams {
		if strings.Contains(dict, s) {
			return true
		}
	}
	return false
}

func decodeStream(dict string, raw []byte) ([]byte, bool) {
	if !strings.Contains(dict, "/Filter") {
		return raw, true
	}
	// Any filter chain other than a lone FlateDecode is not handled.
	if !strings.Contains(dict, "/FlateDecode") {
		return nil, false
	}
	for _, f := range []string{"/DCTDecode", "/LZWDecode", "/ASCII85Decode", "/ASCIIHexDecode", "/RunLengthDecode", "/CCITTFaxDecode", "/JBIG2Decode", "/JPXDecode"} {
		if strings.Contains(dict, f) {
			return nil, false
		}
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, false
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxStreamBytes))
	if err != nil && len(out) == 0 {
		return nil, false
	}
	return out, true
}

// contentText runs the text operators of a content stream and returns
// the text of each BT/ET object.
func contentText(content []byte) []string {
	var (
		blocks  []string
		lines   []string
		line    strings.Builder
		pending strings.Builder
		inText  bool
		inArray bool
	)
	newline := func() {
		if s := strings.TrimSpace(line.String()); s != "" {
			lines = append(lines, s)
		}
		line.Reset()
	}

	lx := &contentLexer{src: content}
	for {
		tok, kind, ok := lx.next()
		if !ok {
			break
		}
		switch kind {
		case tokString:
			if inText {
				pending.WriteString(tok)
			}
		case tokArrayStart:
			inArray = true
		case tokArrayEnd:
			inArray = false
		case tokNumber:
			// Large negative kerning inside TJ is a word gap.
			if inText && inArray {
				if n, err := strconv.ParseFloat(tok, 64); err == nil && n < -200 {
					pending.WriteByte(' ')
				}
			}
		case tokOperator:
			switch tok {
			case "BT":
				inText = true
				lines = lines[:0]
				line.Reset()
			case "ET":
				newline()
				if len(lines) > 0 {
					blocks = append(blocks, strings.Join(lines, "\n"))
				}
				lines = nil
				inText = false
			case "Tj", "TJ":
				line.WriteString(pending.String())
			case "'", "\"":
				newline()
				line.WriteString(pending.String())
			case "Td", "TD", "T*", "Tm":
				newline()
			}
			pending.Reset()
		}
	}
	return blocks
}

type tokenKind int

const (
	tokOperator tokenKind = iota
	tokNumber
	tokString
	tokArrayStart
	tokArrayEnd
	tokOther
)

type contentLexer struct {
	src []byte
	pos int
}

func isPDFSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

func isPDFDelim(c byte) bool {
	return strings.IndexByte("()<>[]{}/%", c) >= 0
}

func (l *contentLexer) next() (string, tokenKind, bool) {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case isPDFSpace(c):
			l.pos++
		case c == '%':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' && l.src[l.pos] != '\r' {
				l.pos++
			}
		case c == '(':
			l.pos++
			return l.literal(), tokString, true
		case c == '<':
			if l.pos+1 < len(l.src) && l.src[l.pos+1] == '<' {
				l.pos += 2
				return "<<", tokOther, true
			}
			l.pos++
			return l.hex(), tokString, true
		case c == '>':
			l.pos++
			if l.pos < len(l.src) && l.src[l.pos] == '>' {
				l.pos++
			}
			return ">>", tokOther, true
		case c == '[':
			l.pos++
			return "[", tokArrayStart, true
		case c == ']':
			l.pos++
			return "]", tokArrayEnd, true
		case c == '/':
			l.pos++
			start := l.pos
			for l.pos < len(l.src) && !isPDFSpace(l.src[l.pos]) && !isPDFDelim(l.src[l.pos]) {
				l.pos++
			}
			return string(l.src[start:l.pos]), tokOther, true
		case c == '{' || c == '}':
			l.pos++
		case c == ')':
			l.pos++
		default:
			start := l.pos
			for l.pos < len(l.src) && !isPDFSpace(l.src[l.pos]) && !isPDFDelim(l.src[l.pos]) {
				l.pos++
			}
			tok := string(l.src[start:l.pos])
			if tok[0] == '+' || tok[0] == '-' || tok[0] == '.' || (tok[0] >= '0' && tok[0] <= '9') {
				return tok, tokNumber, true
			}
			return tok, tokOperator, true
		}
	}
	return "", tokOther, false
}

// literal reads a (...) string; the opening paren is already consumed.
func (l *contentLexer) literal() string {
	var out []byte
	depth := 1
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		l.pos++
		switch c {
		case '(':
			depth++
			out = append(out, c)
		case ')':
			depth--
			if depth == 0 {
				return decodePDFString(out)
			}
			out = append(out, c)
		case '\\':
			if l.pos >= len(l.src) {
				break
			}
			e := l.src[l.pos]
			l.pos++
			switch e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b', 'f':
			case '\r':
				if l.pos < len(l.src) && l.src[l.pos] == '\n' {
					l.pos++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for i := 0; i < 2 && l.pos < len(l.src) && l.src[l.pos] >= '0' && l.src[l.pos] <= '7'; i++ {
						v = v*8 + int(l.src[l.pos]-'0')
						l.pos++
					}
					out = append(out, byte(v))
				} else {
					out = append(out, e)
				}
			}
		default:
			out = append(out, c)
		}
	}
	return decodePDFString(out)
}

// hex reads a <...> string; the opening bracket is already consumed.
func (l *contentLexer) hex() string {
	var digits []byte
	for l.pos < len(l.src) && l.src[l.pos] != '>' {
		if c := l.src[l.pos]; !isPDFSpace(c) {
			digits = append(digits, c)
		}
		l.pos++
	}
	l.pos++
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, 0, len(digits)/2)
	for i := 0; i+1 < len(digits); i += 2 {
		v, err := strconv.ParseUint(string(digits[i:i+2]), 16, 8)
		if err != nil {
			return ""
		}
		out = append(out, byte(v))
	}
	return decodePDFString(out)
}

// decodePDFString maps string bytes to text: UTF-16BE when the string
// carries a byte order mark, Latin-1 otherwise. Control characters are
// dropped.
func decodePDFString(b []byte) string {
	var runes []rune
	if len(b) >= 2 && b[0] == 0xFE && b[1] == 0xFF {
		units := make([]uint16, 0, len(b)/2)
		for i := 2; i+1 < len(b); i += 2 {
			units = append(units, uint16(b[i])<<8|uint16(b[i+1]))
		}
		runes = utf16.Decode(units)
	} else {
		runes = make([]rune, len(b))
		for i, c := range b {
			runes[i] = rune(c)
		}
	}
	var s strings.Builder
	for _, r := range runes {
		if r == '\t' || r == '\n' || r == '\r' {
			s.WriteByte(' ')
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		s.WriteRune(r)
	}
	return s.String()
}
