package cast

import "testing"

func TestToString(t *testing.T) {
	if s, err := ToString("hi"); err != nil || s != "hi" {
		t.Fatalf("ToString(string) = %q, %v", s, err)
	}
	if s, err := ToString([]byte("hi")); err != nil || s != "hi" {
		t.Fatalf("ToString([]byte) = %q, %v", s, err)
	}
	if _, err := ToString(42); err == nil {
		t.Fatal("ToString(int) should error")
	}
}

func TestToInt(t *testing.T) {
	tests := []any{int(1), int8(1), int16(1), int32(1), int64(1), uint(1), uint8(1), uint32(1), uint64(1)}
	for _, v := range tests {
		got, err := ToInt(v)
		if err != nil || got != 1 {
			t.Fatalf("ToInt(%T(%v)) = %d, %v; want 1, nil", v, v, got, err)
		}
	}
	if _, err := ToInt("1"); err == nil {
		t.Fatal("ToInt(string) should error")
	}
}

func TestToStringSlice(t *testing.T) {
	got, err := ToStringSlice([]any{"a", "b", []byte("c")})
	if err != nil {
		t.Fatalf("ToStringSlice error: %v", err)
	}
	want := []string{"a", "b", "c"}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("got[%d] = %q, want %q", i, got[i], w)
		}
	}

	if _, err := ToStringSlice("not a list"); err == nil {
		t.Fatal("ToStringSlice(non-list) should error")
	}
	if _, err := ToStringSlice([]any{42}); err == nil {
		t.Fatal("ToStringSlice should error when an element isn't string-like")
	}
}

func TestToTieredStrings(t *testing.T) {
	got, err := ToTieredStrings([]any{
		[]any{"http://a"},
		[]any{"http://b", "http://c"},
	})
	if err != nil {
		t.Fatalf("ToTieredStrings error: %v", err)
	}
	if len(got) != 2 || len(got[1]) != 2 {
		t.Fatalf("got = %v", got)
	}

	if _, err := ToTieredStrings([]any{[]any{}}); err == nil {
		t.Fatal("ToTieredStrings should error on an empty tier")
	}
}
