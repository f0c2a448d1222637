package canonical

import "testing"

func TestMarshal(t *testing.T) {
	t.Run("SortsKeys", func(t *testing.T) {
		out, err := Marshal(map[string]any{"b": 1, "a": []int{2, 1}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(out) != `{"a":[2,1],"b":1}` {
			t.Errorf("unexpected encoding %s", out)
		}
	})

	t.Run("DigestStableAcrossFieldOrder", func(t *testing.T) {
		type ab struct {
			A int `json:"a"`
			B int `json:"b"`
		}
		d1, err := Digest(ab{A: 1, B: 2})
		if err != nil {
			t.Fatal(err)
		}
		d2, err := Digest(map[string]int{"b": 2, "a": 1})
		if err != nil {
			t.Fatal(err)
		}
		if d1 != d2 {
			t.Errorf("expected equal digests, got %s and %s", d1, d2)
		}
	})
}
