package graph

import "testing"

func TestParseColor(t *testing.T) {
	cases := []struct {
		in   string
		want Color
	}{
		{in: "#ff8000", want: 0xffff8000},
		{in: "#ff800080", want: 0x80ff8000},
		{in: "0x80112233", want: 0x80112233},
		{in: "4278190080", want: 0xff000000},
	}
	for _, tc := range cases {
		got, err := ParseColor(tc.in)
		if err != nil {
			t.Fatalf("ParseColor(%q) failed: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseColor(%q): expected %#x, got %#x", tc.in, uint32(tc.want), uint32(got))
		}
	}
	for _, bad := range []string{"#fff", "#gggggg", "blue", "0x1ffffffff", ""} {
		if _, err := ParseColor(bad); err == nil {
			t.Fatalf("expected ParseColor(%q) to fail", bad)
		}
	}
}

func TestColorString(t *testing.T) {
	if got := Color(0x80ff8000).String(); got != "#ff800080" {
		t.Fatalf("expected #ff800080, got %q", got)
	}
}

func TestPaletteAcquirePrefersFreeThenLeastUsed(t *testing.T) {
	p := NewPalette([]Color{1, 2, 3})
	for want := 0; want < 3; want++ {
		if got := p.Acquire(); got != want {
			t.Fatalf("expected free token %d, got %d", want, got)
		}
	}
	if got := p.Acquire(); got != 0 {
		t.Fatalf("expected first least-used token 0, got %d", got)
	}
	if got := p.Acquire(); got != 1 {
		t.Fatalf("expected least-used token 1, got %d", got)
	}
	p.Release(2)
	if got := p.Acquire(); got != 2 {
		t.Fatalf("expected freed token 2, got %d", got)
	}
}

func TestPaletteReleaseGuards(t *testing.T) {
	p := NewPalette(nil)
	if p.Size() != len(DefaultColors) {
		t.Fatalf("expected default palette, got size %d", p.Size())
	}
	token := p.Acquire()
	if !p.Release(token) {
		t.Fatalf("expected release to succeed")
	}
	if p.Release(token) {
		t.Fatalf("double release must be ignored")
	}
	if p.Release(-1) || p.Release(NoColor) || p.Release(99) {
		t.Fatalf("out-of-range release must be ignored")
	}
	if p.InUse() != 0 {
		t.Fatalf("expected no tokens in use, got %d", p.InUse())
	}
}

func TestPaletteRecolorKeepsCounts(t *testing.T) {
	p := NewPalette([]Color{1, 2})
	token := p.Acquire()
	if !p.Recolor([]Color{5, 6}) {
		t.Fatalf("expected recolor with same size to succeed")
	}
	if c, _ := p.Color(token); c != 5 {
		t.Fatalf("expected new colour 5, got %d", c)
	}
	if p.Refs(token) != 1 {
		t.Fatalf("expected refcount preserved")
	}
	if p.Recolor([]Color{1, 2, 3}) {
		t.Fatalf("expected size change to be refused")
	}
}
