package bsearch

import "testing"

func TestBrackets(t *testing.T) {
	s := []uint32{0, 3, 5, 9}

	tests := []struct {
		v     uint32
		idx   int
		found bool
	}{
		{0, 0, true},
		{1, 1, false},
		{3, 1, true},
		{4, 2, false},
		{9, 3, true},
		{12, 4, false},
	}

	for _, tc := range tests {
		idx, found := Brackets(s, tc.v)
		if idx != tc.idx || found != tc.found {
			t.Errorf("Brackets(%d) = (%d, %v), want (%d, %v)", tc.v, idx, found, tc.idx, tc.found)
		}
	}
}

func TestLowerBoundOrPrev(t *testing.T) {
	s := []uint32{2, 3, 5, 9}

	tests := []struct {
		v    uint32
		want int
	}{
		{0, -1},
		{2, 0},
		{4, 1},
		{5, 2},
		{8, 2},
		{100, 3},
	}

	for _, tc := range tests {
		if got := LowerBoundOrPrev(s, tc.v); got != tc.want {
			t.Errorf("LowerBoundOrPrev(%d) = %d, want %d", tc.v, got, tc.want)
		}
	}

	if got := LowerBoundOrPrev([]uint32{}, 1); got != -1 {
		t.Errorf("empty slice: got %d, want -1", got)
	}
}
