package memory

import "testing"

func TestNormalize_CaseAndPunctuationInsensitive(t *testing.T) {
	cases := [][2]string{
		{"Likes Tea!", "likes tea"},
		{"  likes   tea  ", "likes tea"},
		{"LIKES-TEA.", "likes tea"},
		{"likes, tea?", "likes tea"},
	}
	for _, c := range cases {
		if got := normalize(c[0]); got != "likes tea" {
			t.Errorf("normalize(%q) = %q, want %q", c[0], got, c[1])
		}
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	s := "Switched from Python to Go in 2024!"
	once := normalize(s)
	twice := normalize(once)
	if once != twice {
		t.Errorf("normalize not idempotent: %q != %q", once, twice)
	}
}
