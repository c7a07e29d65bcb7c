package dictionary_test

import (
	"testing"

	"vether/internal/dictionary"
	"vether/internal/identity"
	"vether/internal/testutil"
)

func TestRoundTripWithEscapes(t *testing.T) {
	d := dictionary.New()
	d.Set("plain", "value")
	d.Set("newline", "a\nb")
	d.Set("equals", "x=y")
	d.Set("backslash", `a\b`)
	d.Set("empty", "")
	d.SetUint64("nwid", 0x8056c2e21c000001)

	back := dictionary.FromString(d.String())
	if len(back) != len(d) {
		t.Fatalf("expected %d keys, got %d", len(d), len(back))
	}
	for k, v := range d {
		if back.Get(k, "\x00missing") != v {
			t.Fatalf("key %q: got %q want %q", k, back.Get(k, ""), v)
		}
	}
	if back.GetUint64("nwid", 0) != 0x8056c2e21c000001 {
		t.Fatalf("uint64 round trip failed: %x", back.GetUint64("nwid", 0))
	}
}

func TestCanonicalSerialization(t *testing.T) {
	a := dictionary.New()
	a.Set("b", "2")
	a.Set("a", "1")
	b := dictionary.New()
	b.Set("a", "1")
	b.Set("b", "2")
	if a.String() != b.String() {
		t.Fatalf("insertion order leaked into serialization")
	}
}

func TestNestedDictionary(t *testing.T) {
	inner := dictionary.New()
	inner.Set("id", "abc")
	inner.Set("note", "line1\nline2")
	outer := dictionary.New()
	outer.Set("supernodes", inner.String())

	back := dictionary.FromString(outer.String()).Sub("supernodes")
	if back.Get("id", "") != "abc" {
		t.Fatalf("nested id lost: %q", back.Get("id", ""))
	}
	if back.Get("note", "") != "line1\nline2" {
		t.Fatalf("nested multiline value mangled: %q", back.Get("note", ""))
	}
}

func TestSignVerify(t *testing.T) {
	signer, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	d := dictionary.New()
	d.Set("supernodes", "whatever")
	if err := d.Sign(signer); err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if err := d.Verify(signer); err != nil {
		t.Fatalf("verify failed: %v", err)
	}

	// Survives a serialization round trip.
	back := dictionary.FromString(d.String())
	if err := back.Verify(signer); err != nil {
		t.Fatalf("verify after round trip failed: %v", err)
	}

	// Tampering breaks it.
	back.Set("supernodes", "other")
	if err := back.Verify(signer); err == nil {
		t.Fatalf("verify accepted tampered document")
	}

	// Wrong signer is rejected.
	other, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if err := d.Verify(other); err == nil {
		t.Fatalf("verify accepted wrong signer")
	}
}

func TestVerifyUnsigned(t *testing.T) {
	signer, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	d := dictionary.New()
	d.Set("k", "v")
	if err := d.Verify(signer); err == nil {
		t.Fatalf("verify accepted unsigned document")
	}
}

func FuzzFromString(f *testing.F) {
	f.Add("a=b\n")
	f.Add("=nokey\n")
	f.Add(`esc\e=x\n\\\0`)
	f.Add("trailing\\")
	f.Fuzz(func(t *testing.T, s string) {
		s = testutil.CapDocument(s)
		d := dictionary.FromString(s)
		// Re-serialization of any parse result must itself parse cleanly.
		back := dictionary.FromString(d.String())
		if len(back) != len(d) {
			t.Fatalf("reparse changed key count: %d -> %d", len(d), len(back))
		}
	})
}
