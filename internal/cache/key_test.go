package cache

import "testing"

func TestKeyString(t *testing.T) {
	tests := []struct {
		key  Key
		want string
	}{
		{UserKey("42"), "user_42"},
		{QuestionsKey("turkce", 3), "questions_turkce_3"},
		{TestResultsKey("42", "turkce/sozcukte-anlam"), "testResults_42_turkce/sozcukte-anlam"},
		{UnlockedTestsKey("a_b", "c"), `unlockedTests_a\_b_c`},
	}
	for _, tt := range tests {
		if got := tt.key.String(); got != tt.want {
			t.Fatalf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestKeyNoCollisionAcrossShapes(t *testing.T) {
	a := TestResultsKey("1_2", "3")
	b := TestResultsKey("1", "2_3")
	if a.String() == b.String() {
		t.Fatalf("distinct keys serialized identically: %q", a.String())
	}
}

func TestParseKeyRoundTrip(t *testing.T) {
	keys := []Key{
		UserKey(`we\ird_id`),
		QuestionsKey("topic", 12),
		UnlockedTestsKey("u_1", "x/y_z"),
	}
	for _, k := range keys {
		got, ok := ParseKey(k.String())
		if !ok {
			t.Fatalf("ParseKey(%q) failed", k.String())
		}
		if got.Kind != k.Kind || len(got.Parts) != len(k.Parts) {
			t.Fatalf("round trip mismatch: %#v vs %#v", got, k)
		}
		for i := range k.Parts {
			if got.Parts[i] != k.Parts[i] {
				t.Fatalf("part %d: got %q want %q", i, got.Parts[i], k.Parts[i])
			}
		}
	}

	if _, ok := ParseKey("exact:foo"); ok {
		t.Fatalf("foreign key should not parse")
	}
	if _, ok := ParseKey(`user_dangling\`); ok {
		t.Fatalf("dangling escape should not parse")
	}
}
