package tagmatch

import (
	"math"
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"whitespace only", "   \t\n  ", ""},
		{"already canonical", "exam week", "exam week"},
		{"case and padding", "  Exam   Week ", "exam week"},
		{"tabs and newlines collapse", "Final\t\tExam\nNotes", "final exam notes"},
		{"unicode preserved", "Café Révision", "café révision"},
		{"single word", "MIDTERM", "midterm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.input); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeKeepInnerWhitespace(t *testing.T) {
	got := normalize("  Exam   Week ", true)
	if got != "exam   week" {
		t.Errorf("normalize keepInner = %q, want %q", got, "exam   week")
	}
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"both empty", "", "", 1},
		{"identical", "midterm", "midterm", 1},
		{"one empty", "exam", "", 0},
		{"kitten sitting", "kitten", "sitting", 1 - 3.0/7.0},
		{"single substitution", "exam", "exan", 0.75},
		{"disjoint", "ab", "xy", 0},
		{"multibyte runes", "café", "cafe", 0.75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Similarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Similarity(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestSimilarityIsSymmetric(t *testing.T) {
	pairs := [][2]string{
		{"kitten", "sitting"},
		{"exam", "exams"},
		{"", "midterm"},
		{"café", "cafe"},
	}
	for _, p := range pairs {
		if Similarity(p[0], p[1]) != Similarity(p[1], p[0]) {
			t.Errorf("Similarity(%q, %q) != Similarity(%q, %q)", p[0], p[1], p[1], p[0])
		}
	}
}

func TestSimilaritySelfIsOne(t *testing.T) {
	for _, s := range []string{"exam", "exam week", "a", "révision finale"} {
		n := Normalize(s)
		if got := Similarity(n, n); got != 1 {
			t.Errorf("Similarity(%q, %q) = %v, want 1", n, n, got)
		}
	}
}

func TestFindSimilar(t *testing.T) {
	tests := []struct {
		name      string
		probe     string
		existing  []string
		threshold float64
		want      []string
	}{
		{
			name:      "ranked near duplicates",
			probe:     "Exam",
			existing:  []string{"exam", "Exams", "Midterm"},
			threshold: 0.8,
			want:      []string{"exam", "Exams"},
		},
		{
			name:      "empty candidate list",
			probe:     "anything",
			existing:  []string{},
			threshold: 0.8,
			want:      []string{},
		},
		{
			name:      "exact threshold only normalized match",
			probe:     "X",
			existing:  []string{"x"},
			threshold: 1.0,
			want:      []string{"x"},
		},
		{
			name:      "exact threshold misses different tag",
			probe:     "X",
			existing:  []string{"y"},
			threshold: 1.0,
			want:      []string{},
		},
		{
			name:      "zero threshold keeps everything",
			probe:     "chemistry",
			existing:  []string{"biology", "history", "chem lab"},
			threshold: 0,
			want:      []string{"history", "chem lab", "biology"},
		},
		{
			name:      "originals returned not normalized forms",
			probe:     "exam  week",
			existing:  []string{"  Exam Week ", "Reading List"},
			threshold: 0.8,
			want:      []string{"  Exam Week "},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindSimilar(tt.probe, tt.existing, Options{Threshold: tt.threshold})
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FindSimilar(%q, %v, %v) = %v, want %v", tt.probe, tt.existing, tt.threshold, got, tt.want)
			}
		})
	}
}

func TestFindSimilarInclusiveBoundary(t *testing.T) {
	// "exam" vs "exams": distance 1, max length 5, similarity exactly 0.8.
	got := FindSimilar("exam", []string{"exams"}, Options{Threshold: 0.8})
	if len(got) != 1 || got[0] != "exams" {
		t.Fatalf("expected candidate at exact threshold to be included, got %v", got)
	}
}

func TestFindSimilarStableTieOrder(t *testing.T) {
	// Both candidates normalize one edit away from the probe and tie on score.
	got := FindSimilar("exam", []string{"exams", "exam!"}, Options{Threshold: 0.5})
	want := []string{"exams", "exam!"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("tie order = %v, want input order %v", got, want)
	}
}

func TestFindMatchesScores(t *testing.T) {
	matches := FindMatches("Exam", []string{"exam", "Exams"}, DefaultOptions())
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Name != "exam" || matches[0].Score != 1 {
		t.Errorf("first match = %+v, want exam with score 1", matches[0])
	}
	if matches[1].Name != "Exams" || math.Abs(matches[1].Score-0.8) > 1e-9 {
		t.Errorf("second match = %+v, want Exams with score 0.8", matches[1])
	}
}

func TestDefaultOptions(t *testing.T) {
	if DefaultOptions().Threshold != DefaultThreshold {
		t.Errorf("DefaultOptions threshold = %v, want %v", DefaultOptions().Threshold, DefaultThreshold)
	}
}
