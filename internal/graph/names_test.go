package graph

import "testing"

func TestShortName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "  Spotify Free Premium Trial  ", want: "Spotify Free Premium…"},
		{in: "VLC", want: "VLC"},
		{in: "one two three", want: "one two three"},
		{in: "a  b\tc d", want: "a  b\tc…"},
		{in: "   ", want: ""},
	}
	for _, tc := range cases {
		if got := ShortName(tc.in, ShortNameWords); got != tc.want {
			t.Fatalf("ShortName(%q): expected %q, got %q", tc.in, tc.want, got)
		}
	}
}

func TestOwnerModuleName(t *testing.T) {
	if got := OwnerModuleName("module-loopback", 23); got != "loopback:23" {
		t.Fatalf("expected loopback:23, got %q", got)
	}
	if got := OwnerModuleName("custom", 4); got != "custom:4" {
		t.Fatalf("expected custom:4, got %q", got)
	}
}

func TestLocaleCharset(t *testing.T) {
	env := map[string]string{"LANG": "de_DE.ISO-8859-1@euro"}
	if got := LocaleCharset(func(k string) string { return env[k] }); got != "ISO-8859-1" {
		t.Fatalf("expected ISO-8859-1, got %q", got)
	}
	env["LC_ALL"] = "C"
	if got := LocaleCharset(func(k string) string { return env[k] }); got != "" {
		t.Fatalf("expected no charset for C locale, got %q", got)
	}
}

func TestNormalizerReinterpretsLatin1(t *testing.T) {
	norm := NewNormalizer("ISO-8859-1")
	raw := "Caf\xe9"
	if got := norm.Normalize(raw); got != "Café" {
		t.Fatalf("expected Café, got %q", got)
	}
	if got := norm.Normalize("plain"); got != "plain" {
		t.Fatalf("valid text should pass through, got %q", got)
	}
}

func TestNormalizerFallsBackToSanitize(t *testing.T) {
	norm := NewNormalizer("UTF-8")
	if got := norm.Normalize("bad\xffname"); got != "bad�name" {
		t.Fatalf("expected replacement character, got %q", got)
	}
}

func TestDeriverLabels(t *testing.T) {
	d := NewDeriver(NewNormalizer(""))

	client := newEntity(KindClient, 1)
	client.RawName = "Firefox Web Browser Nightly"
	d.Derive(client, nil)
	if client.DisplayName != "Firefox Web Browser Nightly" || client.ShortName != "Firefox Web Browser…" {
		t.Fatalf("unexpected client labels %q / %q", client.DisplayName, client.ShortName)
	}

	module := newEntity(KindModule, 12)
	module.RawName = "module-loopback"
	stream := newEntity(KindSinkInput, 3)
	stream.RawName = "Loopback of Mic"
	stream.OwnerModule = 12
	if !d.Derive(stream, module) {
		t.Fatalf("expected label change on first derive")
	}
	if stream.ShortName != "loopback:12" {
		t.Fatalf("expected module-owned short name, got %q", stream.ShortName)
	}
	if d.Derive(stream, module) {
		t.Fatalf("expected no change on second derive")
	}

	sink := newEntity(KindSink, 5)
	sink.RawName = "alsa_output.pci"
	d.Derive(sink, nil)
	if sink.ShortName != sink.DisplayName {
		t.Fatalf("device short name should equal display name, got %q", sink.ShortName)
	}
}
