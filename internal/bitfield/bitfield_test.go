package bitfield

import "testing"

func TestSetHasClear(t *testing.T) {
	bf := New(10)
	if bf.Any() {
		t.Fatal("freshly allocated bitfield should have no bits set")
	}

	if !bf.Set(3) {
		t.Fatal("Set(3) on a clear bit should report true")
	}
	if bf.Set(3) {
		t.Fatal("Set(3) on an already-set bit should report false")
	}
	if !bf.Has(3) || bf.Has(4) {
		t.Fatalf("Has mismatch after Set(3): Has(3)=%v Has(4)=%v", bf.Has(3), bf.Has(4))
	}

	if !bf.Clear(3) {
		t.Fatal("Clear(3) on a set bit should report true")
	}
	if bf.Has(3) {
		t.Fatal("Has(3) should be false after Clear(3)")
	}
	if bf.Clear(3) {
		t.Fatal("Clear(3) on an already-clear bit should report false")
	}
}

func TestOutOfRange(t *testing.T) {
	bf := New(8)
	if bf.Has(-1) || bf.Has(8) {
		t.Fatal("Has should be false for out-of-range indices")
	}
	if bf.Set(-1) || bf.Set(100) {
		t.Fatal("Set should be false for out-of-range indices")
	}
	if bf.Clear(-1) || bf.Clear(100) {
		t.Fatal("Clear should be false for out-of-range indices")
	}
}

func TestCountAnyNoneAll(t *testing.T) {
	bf := New(16)
	if bf.Count() != 0 || bf.Any() || !bf.None() {
		t.Fatal("fresh bitfield should be all-clear")
	}

	for i := 0; i < 16; i++ {
		bf.Set(i)
	}
	if bf.Count() != 16 || !bf.Any() || bf.None() || !bf.All() {
		t.Fatal("fully set bitfield should report Count=16, Any, All, not None")
	}

	bf.Clear(5)
	if bf.Count() != 15 || !bf.Any() || bf.All() {
		t.Fatal("partially set bitfield should not report All")
	}
}

func TestLenRoundsUpToWholeBytes(t *testing.T) {
	bf := New(9)
	if bf.Len() != 16 {
		t.Fatalf("Len() = %d, want 16 (9 bits rounds up to 2 bytes)", bf.Len())
	}
}

func TestFromBytesAndBytesAreIndependentCopies(t *testing.T) {
	src := []byte{0xFF, 0x00}
	bf := FromBytes(src)
	src[0] = 0x00 // mutating the original must not affect bf

	if !bf.Has(0) {
		t.Fatal("FromBytes should have copied src, not aliased it")
	}

	out := bf.Bytes()
	out[0] = 0x00 // mutating the returned copy must not affect bf
	if !bf.Has(0) {
		t.Fatal("Bytes() should return a copy, not the underlying slice")
	}
}

func TestEqualsAndClone(t *testing.T) {
	a := New(8)
	a.Set(2)
	b := a.Clone()

	if !a.Equals(b) {
		t.Fatal("Clone should be Equals to the original")
	}

	b.Set(5)
	if a.Equals(b) {
		t.Fatal("mutating the clone should not affect the original (or its Equals result)")
	}
}

func TestString(t *testing.T) {
	bf := New(4)
	bf.Set(0)
	bf.Set(2)

	want := "10100000"
	if got := bf.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
