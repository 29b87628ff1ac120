package graph

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

const (
	ShortNameWords = 3
	Ellipsis       = "…"
	modulePrefix   = "module-"
)

// ShortName keeps the first n whitespace separated words of name and marks
// the cut with an ellipsis.
func ShortName(name string, n int) string {
	stripped := strings.TrimSpace(name)
	if n <= 0 {
		return stripped
	}
	inWord := false
	for i, r := range stripped {
		if unicode.IsSpace(r) {
			if inWord {
				n--
				if n == 0 {
					return stripped[:i] + Ellipsis
				}
			}
			inWord = false
			continue
		}
		inWord = true
	}
	return stripped
}

// OwnerModuleName labels a module-owned stream as "<basename>:<id>".
func OwnerModuleName(moduleName string, id uint32) string {
	return strings.TrimPrefix(moduleName, modulePrefix) + ":" + strconv.FormatUint(uint64(id), 10)
}

// LocaleCharset extracts the codeset from the first of LC_ALL, LC_CTYPE
// and LANG that is set, e.g. "ISO-8859-1" from "de_DE.ISO-8859-1@euro".
func LocaleCharset(getenv func(string) string) string {
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		value := strings.TrimSpace(getenv(key))
		if value == "" {
			continue
		}
		if at := strings.IndexByte(value, '@'); at >= 0 {
			value = value[:at]
		}
		if dot := strings.IndexByte(value, '.'); dot >= 0 {
			return value[dot+1:]
		}
		return ""
	}
	return ""
}

// Normalizer turns server supplied names into valid UTF-8.
type Normalizer struct {
	charset string
	enc     encoding.Encoding
}

// NewNormalizer builds a normalizer for the given locale charset. UTF-8,
// empty or unknown charsets leave only the sanitizing fallback.
func NewNormalizer(charset string) *Normalizer {
	n := &Normalizer{charset: charset}
	name := strings.ToLower(strings.TrimSpace(charset))
	if name == "" || name == "utf-8" || name == "utf8" {
		return n
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return n
	}
	n.enc = enc
	return n
}

func (n *Normalizer) Charset() string {
	if n == nil {
		return ""
	}
	return n.charset
}

// Normalize reinterprets invalid UTF-8 using the locale charset and falls
// back to replacing invalid sequences.
func (n *Normalizer) Normalize(raw string) string {
	if utf8.ValidString(raw) {
		return raw
	}
	if n != nil && n.enc != nil {
		decoded, err := n.enc.NewDecoder().String(raw)
		if err == nil && utf8.ValidString(decoded) {
			return decoded
		}
	}
	return Sanitize(raw)
}

func Sanitize(raw string) string {
	return strings.ToValidUTF8(raw, "�")
}

// Deriver computes display and short names.
type Deriver struct {
	norm  *Normalizer
	words int
}

func NewDeriver(norm *Normalizer) *Deriver {
	return &Deriver{norm: norm, words: ShortNameWords}
}

// Derive recomputes the labels of e. module is the stream's owning module
// when known, nil otherwise. It reports whether a label changed.
func (d *Deriver) Derive(e *Entity, module *Entity) bool {
	var display, short string
	switch e.Kind {
	case KindClient:
		display = d.norm.Normalize(e.RawName)
		short = ShortName(display, d.words)
	case KindSourceOutput, KindSinkInput:
		display = d.norm.Normalize(e.RawName)
		if e.OwnerClient == InvalidIndex && module != nil {
			short = OwnerModuleName(Sanitize(module.RawName), module.ID)
		} else {
			short = ShortName(display, d.words)
		}
	case KindModule, KindSource, KindSink:
		display = Sanitize(e.RawName)
		short = display
	default:
		display = Sanitize(e.RawName)
		short = display
	}
	changed := display != e.DisplayName || short != e.ShortName
	e.DisplayName = display
	e.ShortName = short
	return changed
}
