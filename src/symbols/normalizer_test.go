package symbols

import (
	"reflect"
	"testing"

	"research-confluence/src/models"
)

func testUniverse() []models.MTrackedSymbol {
	return []models.MTrackedSymbol{
		{Symbol: "GOOGL", Aliases: []string{"GOOG", "Google", "Alphabet"}},
		{Symbol: "NVDA", Aliases: []string{"Nvidia"}},
		{Symbol: "ARM", Aliases: []string{}},
		{Symbol: "SPY", Aliases: []string{"SPX", "S&P 500"}},
	}
}

// -----------------------------------------------------------------------------

func TestNormalize(t *testing.T) {
	n := NewNormalizer(testUniverse())

	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"GOOGL", "GOOGL", true},
		{"googl", "GOOGL", true},
		{"  Alphabet ", "GOOGL", true},
		{"$GOOGL", "GOOGL", true},
		{"GOOGL.US", "GOOGL", true},
		{"/SPX", "SPY", true},
		{"nvidia", "NVDA", true},
		{"MSFT", "", false},
		{"", "", false},
		{"$", "", false},
	}

	for _, tc := range cases {
		got, ok := n.Normalize(tc.raw)
		if ok != tc.ok || got != tc.want {
			t.Errorf("Normalize(%q) = (%q, %v), want (%q, %v)", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

// -----------------------------------------------------------------------------

func TestTrackedIsSorted(t *testing.T) {
	n := NewNormalizer(testUniverse())
	want := []string{"ARM", "GOOGL", "NVDA", "SPY"}
	if got := n.Tracked(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Tracked() = %v, want %v", got, want)
	}
}

// -----------------------------------------------------------------------------

func TestFindMentions(t *testing.T) {
	n := NewNormalizer(testUniverse())

	cases := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "single ticker",
			text: "GOOGL broke out above 180 today",
			want: []string{"GOOGL"},
		},
		{
			name: "alias and ticker dedup to one symbol",
			text: "Google (GOOGL) looks strong",
			want: []string{"GOOGL"},
		},
		{
			name: "multiple symbols",
			text: "Rotation out of Nvidia into Alphabet continues",
			want: []string{"NVDA", "GOOGL"},
		},
		{
			name: "word boundary blocks substring match",
			text: "resting my armrest on the ARMREST",
			want: nil,
		},
		{
			name: "boundary allows punctuation",
			text: "long $GOOGL, short NVDA.",
			want: []string{"GOOGL", "NVDA"},
		},
		{
			name: "multi word alias",
			text: "the S&P 500 closed flat",
			want: []string{"SPY"},
		},
		{
			name: "empty text",
			text: "",
			want: nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := n.FindMentions(tc.text)
			if len(got) != len(tc.want) {
				t.Fatalf("FindMentions(%q) = %v, want %v", tc.text, got, tc.want)
			}
			gotSet := make(map[string]bool)
			for _, s := range got {
				gotSet[s] = true
			}
			for _, s := range tc.want {
				if !gotSet[s] {
					t.Errorf("FindMentions(%q) = %v, missing %s", tc.text, got, s)
				}
			}
		})
	}
}
