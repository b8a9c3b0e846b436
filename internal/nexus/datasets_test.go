package nexus

import "testing"

func TestBoolToUint32(t *testing.T) {
	cases := map[bool]uint32{true: 1, false: 0}
	for in, want := range cases {
		if got := boolToUint32(in); got != want {
			t.Errorf("boolToUint32(%v) = %d, want %d", in, got, want)
		}
	}
}
