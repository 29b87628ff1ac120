// Package layout persists the user's graph arrangement as a name keyed
// manifest so it survives id reuse across server restarts.
package layout

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	DefaultWindowWidth  = 800
	DefaultWindowHeight = 600
	MinWindowSize       = 200
	MaxViewMode         = 2

	// NoModule stands in for the module of a client that has none.
	NoModule = "~"

	keyWindowWidth    = "WindowWidth"
	keyWindowHeight   = "WindowHeight"
	keyViewMode       = "ViewMode"
	keySources        = "Sources"
	keyModulesClients = "ModulesClients"
	keySinks          = "Sinks"
)

// Entry is one row of a column. Module rows and device rows carry only a
// name; client rows pair the owning module's name with the client's.
type Entry struct {
	Module string `json:"module,omitempty"`
	Name   string `json:"name"`
	Paired bool   `json:"paired,omitempty"`
}

type Manifest struct {
	WindowWidth  int      `json:"windowWidth"`
	WindowHeight int      `json:"windowHeight"`
	ViewMode     int      `json:"viewMode"`
	Sources      []string `json:"sources"`
	Blocks       []Entry  `json:"blocks"`
	Sinks        []string `json:"sinks"`
}

func NewManifest() *Manifest {
	return &Manifest{WindowWidth: DefaultWindowWidth, WindowHeight: DefaultWindowHeight}
}

func (m *Manifest) Empty() bool {
	return m == nil || len(m.Sources) == 0 && len(m.Blocks) == 0 && len(m.Sinks) == 0
}

func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Sources = append([]string(nil), m.Sources...)
	clone.Blocks = append([]Entry(nil), m.Blocks...)
	clone.Sinks = append([]string(nil), m.Sinks...)
	return &clone
}

// Escape protects the list and pair delimiters, the no-module sentinel,
// the escape character itself and control bytes with \xHH.
func Escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c == 0x7f || strings.IndexByte(`|;~\`, c) >= 0 {
			fmt.Fprintf(&b, `\x%02x`, c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func Unescape(s string) string {
	if strings.IndexByte(s, '\\') < 0 {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && s[i+1] == 'x' {
			hi, okHi := unhex(s[i+2])
			lo, okLo := unhex(s[i+3])
			if okHi && okLo {
				b.WriteByte(hi<<4 | lo)
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

func (e Entry) encode() string {
	if !e.Paired {
		return Escape(e.Name)
	}
	module := NoModule
	if e.Module != "" {
		module = Escape(e.Module)
	}
	return module + "|" + Escape(e.Name)
}

func parseEntry(item string) Entry {
	module, name, paired := strings.Cut(item, "|")
	if !paired {
		return Entry{Name: Unescape(item)}
	}
	if module == NoModule {
		module = ""
	} else {
		module = Unescape(module)
	}
	return Entry{Module: module, Name: Unescape(name), Paired: true}
}

func Encode(w io.Writer, m *Manifest) error {
	if m == nil {
		m = NewManifest()
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s=%d\n", keyWindowWidth, m.WindowWidth)
	fmt.Fprintf(&b, "%s=%d\n", keyWindowHeight, m.WindowHeight)
	fmt.Fprintf(&b, "%s=%d\n", keyViewMode, m.ViewMode)
	b.WriteString("\n")
	writeList(&b, keySources, m.Sources)
	b.WriteString(keyModulesClients + "=")
	for _, e := range m.Blocks {
		b.WriteString(e.encode())
		b.WriteByte(';')
	}
	b.WriteString("\n")
	writeList(&b, keySinks, m.Sinks)
	_, err := w.Write(b.Bytes())
	return err
}

func writeList(b *bytes.Buffer, key string, names []string) {
	b.WriteString(key + "=")
	for _, name := range names {
		b.WriteString(Escape(name))
		b.WriteByte(';')
	}
	b.WriteString("\n")
}

func Marshal(m *Manifest) []byte {
	var b bytes.Buffer
	_ = Encode(&b, m)
	return b.Bytes()
}

// Parse reads a manifest leniently: malformed lines are skipped and
// reported as warnings, missing keys keep their defaults.
func Parse(data []byte) (*Manifest, []string) {
	m := NewManifest()
	var warnings []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			warnings = append(warnings, fmt.Sprintf("line %d: missing '='", lineNo))
			continue
		}
		key = strings.TrimSpace(key)
		switch key {
		case keyWindowWidth:
			m.WindowWidth = max(MinWindowSize, atoi(value))
		case keyWindowHeight:
			m.WindowHeight = max(MinWindowSize, atoi(value))
		case keyViewMode:
			m.ViewMode = min(MaxViewMode, max(0, atoi(value)))
		case keySources:
			m.Sources = parseNames(value)
		case keySinks:
			m.Sinks = parseNames(value)
		case keyModulesClients:
			m.Blocks = nil
			for _, item := range splitList(value) {
				m.Blocks = append(m.Blocks, parseEntry(item))
			}
		default:
			warnings = append(warnings, fmt.Sprintf("line %d: unknown key %q", lineNo, key))
		}
	}
	if err := scanner.Err(); err != nil {
		warnings = append(warnings, err.Error())
	}
	return m, warnings
}

func Decode(r io.Reader) (*Manifest, []string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return NewManifest(), nil, err
	}
	m, warnings := Parse(data)
	return m, warnings, nil
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ";") {
		if item == "" {
			continue
		}
		items = append(items, item)
	}
	return items
}

func parseNames(value string) []string {
	items := splitList(value)
	names := make([]string, 0, len(items))
	for _, item := range items {
		names = append(names, Unescape(item))
	}
	return names
}

func atoi(value string) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return n
}
