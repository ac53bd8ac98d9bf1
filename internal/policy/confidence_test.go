package policy

import "testing"

func TestScoreSingleSignals(t *testing.T) {
	cases := []struct {
		evidence []SignalKind
		score    int
		link     LinkType
	}{
		{[]SignalKind{SignalIPMatch}, 25, LinkIPMatch},
		{[]SignalKind{SignalFingerprintMatch}, 45, LinkFingerprintMatch},
		{[]SignalKind{SignalPaymentMatch}, 60, LinkPaymentMatch},
	}
	for _, tc := range cases {
		score, link := Score(tc.evidence)
		if score != tc.score || link != tc.link {
			t.Fatalf("%v: got (%d, %s) want (%d, %s)", tc.evidence, score, link, tc.score, tc.link)
		}
	}
}

func TestScoreSaturates(t *testing.T) {
	score, link := Score([]SignalKind{SignalIPMatch, SignalFingerprintMatch, SignalPaymentMatch})
	if score != 100 {
		t.Fatalf("expected saturated score 100, got %d", score)
	}
	if link != LinkPaymentMatch {
		t.Fatalf("expected strongest signal to win, got %s", link)
	}
}

func TestScoreDuplicatesCountOnce(t *testing.T) {
	once, _ := Score([]SignalKind{SignalIPMatch})
	twice, _ := Score([]SignalKind{SignalIPMatch, SignalIPMatch, SignalIPMatch})
	if once != twice {
		t.Fatalf("duplicate signals must not inflate the score: %d != %d", once, twice)
	}
}

func TestScoreIgnoresUnknownSignals(t *testing.T) {
	score, link := Score([]SignalKind{"astrology", SignalIPMatch})
	if score != 25 || link != LinkIPMatch {
		t.Fatalf("unknown signals must be ignored: got (%d, %s)", score, link)
	}
}

func TestScoreEmptyEvidence(t *testing.T) {
	score, link := Score(nil)
	if score != 0 || link != "" {
		t.Fatalf("empty evidence: got (%d, %q)", score, link)
	}
}

// Supersets of evidence can only raise confidence, never lower it.
func TestScoreMonotonicity(t *testing.T) {
	all := []SignalKind{SignalIPMatch, SignalFingerprintMatch, SignalPaymentMatch}

	// Enumerate every subset/superset pair via bitmasks.
	for e1 := 0; e1 < 8; e1++ {
		for e2 := 0; e2 < 8; e2++ {
			if e1&e2 != e1 {
				continue // e1 not a subset of e2
			}
			s1, _ := Score(pick(all, e1))
			s2, _ := Score(pick(all, e2))
			if s1 > s2 {
				t.Fatalf("monotonicity violated: subset %03b scored %d > superset %03b scored %d",
					e1, s1, e2, s2)
			}
		}
	}
}

func pick(all []SignalKind, mask int) []SignalKind {
	var out []SignalKind
	for i, k := range all {
		if mask&(1<<i) != 0 {
			out = append(out, k)
		}
	}
	return out
}
