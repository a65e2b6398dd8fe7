package chunker

import "testing"

func TestCountTokensWhitespaceOnly(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"one", 1},
		{"one two three", 3},
		{"one   two\tthree\nfour", 4},
	}
	for _, c := range cases {
		if got := countTokens(c.text); got != c.want {
			t.Errorf("countTokens(%q) = %d, want %d", c.text, got, c.want)
		}
	}
}

func TestComputeOverlapUnitsAccumulatesFromTail(t *testing.T) {
	counts := []int{10, 20, 30, 5}
	units := computeOverlapUnits(counts, 25)
	// Walking backward: 5, 5+30=35 >= 25 -> 2 units
	if units != 2 {
		t.Errorf("computeOverlapUnits = %d, want 2", units)
	}
}

func TestComputeOverlapUnitsNeverExceedsSegment(t *testing.T) {
	counts := []int{1, 1}
	units := computeOverlapUnits(counts, 1000)
	if units != len(counts) {
		t.Errorf("computeOverlapUnits = %d, want %d (capped at segment length)", units, len(counts))
	}
}

func TestSplitParagraphsDropsEmpty(t *testing.T) {
	paras := splitParagraphs("first\n\n\n\nsecond\n\nthird")
	if len(paras) != 3 {
		t.Fatalf("expected 3 paragraphs, got %d: %+v", len(paras), paras)
	}
}
