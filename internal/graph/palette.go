package graph

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Color is a packed 0xAARRGGBB value.
type Color uint32

var DefaultColors = []Color{
	0xff808080,
	0xffff8080,
	0xff80ff80,
	0xffffff80,
	0xff8080ff,
	0xffff80ff,
	0xff80ffff,
	0xffffffff,
}

func (c Color) Alpha() uint8 { return uint8(c >> 24) }
func (c Color) Red() uint8   { return uint8(c >> 16) }
func (c Color) Green() uint8 { return uint8(c >> 8) }
func (c Color) Blue() uint8  { return uint8(c) }

// String renders the colour as #rrggbbaa.
func (c Color) String() string {
	return fmt.Sprintf("#%02x%02x%02x%02x", c.Red(), c.Green(), c.Blue(), c.Alpha())
}

// ParseColor accepts "#rrggbb" (opaque), "#rrggbbaa", or an integer ARGB
// value in any Go integer base notation.
func ParseColor(text string) (Color, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "#") {
		digits := text[1:]
		if len(digits) != 6 && len(digits) != 8 {
			return 0, fmt.Errorf("colour %q: expected #rrggbb or #rrggbbaa", text)
		}
		value, err := strconv.ParseUint(digits, 16, 32)
		if err != nil {
			return 0, fmt.Errorf("colour %q: %w", text, err)
		}
		if len(digits) == 6 {
			return Color(0xff000000 | uint32(value)), nil
		}
		rgba := uint32(value)
		return Color(rgba>>8 | (rgba&0xff)<<24), nil
	}
	value, err := strconv.ParseUint(text, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("colour %q: %w", text, err)
	}
	if value > math.MaxUint32 {
		return 0, fmt.Errorf("colour %q: out of range", text)
	}
	return Color(value), nil
}

type paletteEntry struct {
	color Color
	refs  int
}

// Palette hands out colour tokens, preferring unused colours and otherwise
// the least-used one.
type Palette struct {
	entries []paletteEntry
}

func NewPalette(colors []Color) *Palette {
	if len(colors) == 0 {
		colors = DefaultColors
	}
	entries := make([]paletteEntry, len(colors))
	for i, c := range colors {
		entries[i].color = c
	}
	return &Palette{entries: entries}
}

func (p *Palette) Size() int {
	return len(p.entries)
}

func (p *Palette) Acquire() int {
	if len(p.entries) == 0 {
		return NoColor
	}
	best := 0
	for i, entry := range p.entries {
		if entry.refs == 0 {
			p.entries[i].refs = 1
			return i
		}
		if entry.refs < p.entries[best].refs {
			best = i
		}
	}
	p.entries[best].refs++
	return best
}

// Release gives a token back. Out-of-range tokens and tokens whose count is
// already zero are ignored.
func (p *Palette) Release(token int) bool {
	if token < 0 || token >= len(p.entries) {
		return false
	}
	if p.entries[token].refs == 0 {
		return false
	}
	p.entries[token].refs--
	return true
}

func (p *Palette) Color(token int) (Color, bool) {
	if token < 0 || token >= len(p.entries) {
		return 0, false
	}
	return p.entries[token].color, true
}

func (p *Palette) Refs(token int) int {
	if token < 0 || token >= len(p.entries) {
		return 0
	}
	return p.entries[token].refs
}

func (p *Palette) InUse() int {
	total := 0
	for _, entry := range p.entries {
		total += entry.refs
	}
	return total
}

// Recolor swaps the colour values while keeping the reference counts. It
// refuses a palette of a different size.
func (p *Palette) Recolor(colors []Color) bool {
	if len(colors) == 0 {
		colors = DefaultColors
	}
	if len(colors) != len(p.entries) {
		return false
	}
	for i, c := range colors {
		p.entries[i].color = c
	}
	return true
}
