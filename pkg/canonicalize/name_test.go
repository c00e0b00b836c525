package canonicalize

import "testing"

func TestName(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"Atlas Robotics Ltd", "atlas robotics"},
		{"Atlas Robotics Limited", "atlas robotics"},
		{"ATLAS  ROBOTICS", "atlas robotics"},
		{"Helio Labs, Inc.", "helio labs"},
		{"Helio Labs GmbH", "helio labs"},
		{"Müller & Söhne AG", "müller söhne"},
		{"Company of Heroes", "company of heroes"},
		{"  ", ""},
		{"Acme", "acme"},
		// Tail-only stripping: a lone suffix word survives.
		{"Limited", "limited"},
	}

	for _, tc := range cases {
		if got := Name(tc.raw); got != tc.want {
			t.Errorf("Name(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestName_FullwidthFolds(t *testing.T) {
	// NFKC folds fullwidth forms into ASCII before matching.
	if got, want := Name("Ａｔｌａｓ"), "atlas"; got != want {
		t.Errorf("Name fullwidth = %q, want %q", got, want)
	}
}
