package matching

import (
	"testing"
)

func newTestScorer() *Scorer {
	return New(Config{Year: 2025})
}

func TestScore_NoInterests(t *testing.T) {
	s := newTestScorer()

	tests := []struct {
		name      string
		requester Profile
		candidate Candidate
	}{
		{"empty requester", Profile{}, Candidate{ID: "a", Interests: []string{"ml"}, HIndex: 50}},
		{"empty candidate", Profile{Interests: []string{"ml"}}, Candidate{ID: "a", HIndex: 50}},
		{"blank strings", Profile{Interests: []string{"  "}}, Candidate{ID: "a", Interests: []string{""}}},
		{"no overlap", Profile{Interests: []string{"biology"}}, Candidate{ID: "a", Interests: []string{"compilers"}, HIndex: 50}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.Score(tt.requester, tt.candidate)
			if res.Score != 0 {
				t.Errorf("expected score 0, got %v", res.Score)
			}
		})
	}
}

func TestScore_InterestOverlapCaseInsensitive(t *testing.T) {
	s := newTestScorer()

	res := s.Score(
		Profile{Interests: []string{"Machine Learning", "Robotics"}},
		Candidate{ID: "a", Interests: []string{"applied machine learning for vision"}},
	)

	// 1 из 2 интересов → половина веса
	if res.Score != 30 {
		t.Errorf("expected 30, got %v", res.Score)
	}
	if len(res.Reasons) != 1 {
		t.Fatalf("expected 1 reason, got %v", res.Reasons)
	}
}

func TestScore_InterestCountedOncePerRequesterInterest(t *testing.T) {
	s := newTestScorer()

	res := s.Score(
		Profile{Interests: []string{"learning", "LEARNING"}},
		Candidate{ID: "a", Interests: []string{"deep learning", "reinforcement learning", "learning theory"}},
	)

	if res.Score != 60 {
		t.Errorf("expected interest contribution capped at 60, got %v", res.Score)
	}
}

func TestScore_ImpactBands(t *testing.T) {
	s := newTestScorer()
	req := Profile{Interests: []string{"nlp"}}

	tests := []struct {
		name   string
		hIndex int
		pubs   int
		want   float64
	}{
		{"none", 0, 0, 60},
		{"h10", 10, 0, 65},
		{"h19 same band as h10", 19, 0, 65},
		{"h40 pubs100", 40, 100, 85},
		{"pubs5", 0, 5, 62},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.Score(req, Candidate{ID: "x", Interests: []string{"nlp"}, HIndex: tt.hIndex, Publications: tt.pubs})
			if res.Score != tt.want {
				t.Errorf("expected %v, got %v", tt.want, res.Score)
			}
		})
	}
}

func TestScore_Recency(t *testing.T) {
	s := newTestScorer()
	req := Profile{Interests: []string{"nlp"}}

	current := s.Score(req, Candidate{ID: "x", Interests: []string{"nlp"}, LastActiveYear: 2025})
	old := s.Score(req, Candidate{ID: "x", Interests: []string{"nlp"}, LastActiveYear: 2015})

	if current.Score != 75 {
		t.Errorf("expected full recency bonus (75), got %v", current.Score)
	}
	if old.Score != 60 {
		t.Errorf("expected no recency bonus (60), got %v", old.Score)
	}
}

func TestScore_Bounded(t *testing.T) {
	s := newTestScorer()

	res := s.Score(
		Profile{Interests: []string{"ai"}},
		Candidate{ID: "x", Interests: []string{"ai"}, HIndex: 1000, Publications: 1000, LastActiveYear: 2030},
	)
	if res.Score < 0 || res.Score > 100 {
		t.Errorf("score out of range: %v", res.Score)
	}
	if res.Score != 100 {
		t.Errorf("expected 100, got %v", res.Score)
	}
}

func TestRank_DeterministicTieBreak(t *testing.T) {
	s := newTestScorer()
	req := Profile{Interests: []string{"databases"}}

	candidates := []Candidate{
		{ID: "c", Interests: []string{"databases"}},
		{ID: "a", Interests: []string{"databases"}},
		{ID: "z", Interests: []string{"databases"}, HIndex: 20},
		{ID: "b", Interests: []string{"databases"}},
		{ID: "n"},
	}

	for run := 0; run < 3; run++ {
		ranked := s.Rank(req, candidates)
		got := make([]string, len(ranked))
		for i, r := range ranked {
			got[i] = r.Candidate.ID
		}
		want := []string{"z", "a", "b", "c", "n"}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("run %d: expected order %v, got %v", run, want, got)
			}
		}
	}
}
