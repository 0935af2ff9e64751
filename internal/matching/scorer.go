package matching

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Веса по умолчанию. Сумма = 100.
const (
	defaultInterestWeight = 60.0
	defaultImpactWeight   = 25.0
	defaultRecencyWeight  = 15.0
)

// Profile — интересы того, кто делает рассылку.
type Profile struct {
	Interests []string `json:"interests"`
}

// Candidate — потенциальный получатель.
type Candidate struct {
	// ID — стабильный идентификатор; вторичный ключ сортировки.
	ID string `json:"id"`

	Name      string   `json:"name,omitempty"`
	Address   string   `json:"address"`
	Interests []string `json:"interests"`

	// HIndex — индекс цитируемости (h-index или аналог).
	HIndex int `json:"h_index,omitempty"`

	// Publications — число публикаций.
	Publications int `json:"publications,omitempty"`

	// LastActiveYear — год последней активности. 0 — неизвестно.
	LastActiveYear int `json:"last_active_year,omitempty"`

	Timezone string `json:"timezone,omitempty"`
	Country  string `json:"country,omitempty"`
	Locale   string `json:"locale,omitempty"`
}

// Result — результат оценки одного кандидата.
type Result struct {
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons,omitempty"`
}

// Ranked — кандидат с оценкой.
type Ranked struct {
	Candidate Candidate `json:"candidate"`
	Result
}

// Band — порог метрики и вклад при его достижении.
type Band struct {
	Min    int
	Points float64
}

// Config — конфигурация Scorer.
type Config struct {
	InterestWeight float64
	ImpactWeight   float64
	RecencyWeight  float64

	// HIndexBands и PublicationBands — пороги по убыванию Min.
	HIndexBands      []Band
	PublicationBands []Band

	// RecencyYears — активность не старше стольких лет даёт бонус.
	RecencyYears int

	// Year — текущий год для бонуса свежести. 0 — берётся из Now.
	Year int

	Now func() time.Time
}

// Scorer ранжирует кандидатов по совпадению интересов.
//
// Оценка детерминирована: одинаковый вход даёт одинаковый результат.
type Scorer struct {
	interestWeight   float64
	impactWeight     float64
	recencyWeight    float64
	hIndexBands      []Band
	publicationBands []Band
	recencyYears     int
	year             int
	now              func() time.Time
}

// New создаёт Scorer.
func New(cfg Config) *Scorer {
	s := &Scorer{
		interestWeight:   cfg.InterestWeight,
		impactWeight:     cfg.ImpactWeight,
		recencyWeight:    cfg.RecencyWeight,
		hIndexBands:      cfg.HIndexBands,
		publicationBands: cfg.PublicationBands,
		recencyYears:     cfg.RecencyYears,
		year:             cfg.Year,
		now:              cfg.Now,
	}
	if s.interestWeight <= 0 {
		s.interestWeight = defaultInterestWeight
	}
	if s.impactWeight <= 0 {
		s.impactWeight = defaultImpactWeight
	}
	if s.recencyWeight <= 0 {
		s.recencyWeight = defaultRecencyWeight
	}
	if len(s.hIndexBands) == 0 {
		s.hIndexBands = []Band{{Min: 40, Points: 15}, {Min: 20, Points: 10}, {Min: 10, Points: 5}}
	}
	if len(s.publicationBands) == 0 {
		s.publicationBands = []Band{{Min: 100, Points: 10}, {Min: 50, Points: 7}, {Min: 20, Points: 4}, {Min: 5, Points: 2}}
	}
	if s.recencyYears <= 0 {
		s.recencyYears = 5
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Score оценивает кандидата. Без данных об интересах оценка 0.
func (s *Scorer) Score(requester Profile, c Candidate) Result {
	wanted := normalize(requester.Interests)
	have := normalize(c.Interests)
	if len(wanted) == 0 || len(have) == 0 {
		return Result{Score: 0}
	}

	var reasons []string
	matched := 0
	for _, w := range wanted {
		if hit, ok := overlaps(w, have); ok {
			matched++
			reasons = append(reasons, fmt.Sprintf("shared interest: %s", hit))
		}
	}
	if matched == 0 {
		return Result{Score: 0}
	}

	interest := math.Min(s.interestWeight*float64(matched)/float64(len(wanted)), s.interestWeight)

	impact := 0.0
	if p, ok := bandPoints(c.HIndex, s.hIndexBands); ok {
		impact += p
		reasons = append(reasons, fmt.Sprintf("h-index %d", c.HIndex))
	}
	if p, ok := bandPoints(c.Publications, s.publicationBands); ok {
		impact += p
		reasons = append(reasons, fmt.Sprintf("%d publications", c.Publications))
	}
	impact = math.Min(impact, s.impactWeight)

	recency := s.recency(c.LastActiveYear)
	if recency > 0 {
		reasons = append(reasons, fmt.Sprintf("active in %d", c.LastActiveYear))
	}

	score := interest + impact + recency
	score = math.Max(0, math.Min(100, score))
	return Result{Score: math.Round(score*100) / 100, Reasons: reasons}
}

// Rank оценивает и сортирует кандидатов: по убыванию оценки, затем по ID.
func (s *Scorer) Rank(requester Profile, candidates []Candidate) []Ranked {
	out := make([]Ranked, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, Ranked{Candidate: c, Result: s.Score(requester, c)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Candidate.ID < out[j].Candidate.ID
	})
	return out
}

// recency линейно убывает от полного веса (текущий год) до 0 (recencyYears назад).
func (s *Scorer) recency(lastYear int) float64 {
	if lastYear <= 0 {
		return 0
	}
	year := s.year
	if year == 0 {
		year = s.now().Year()
	}
	age := year - lastYear
	if age < 0 {
		age = 0
	}
	if age >= s.recencyYears {
		return 0
	}
	return s.recencyWeight * float64(s.recencyYears-age) / float64(s.recencyYears)
}

func bandPoints(v int, bands []Band) (float64, bool) {
	for _, b := range bands {
		if v >= b.Min {
			return b.Points, true
		}
	}
	return 0, false
}

// overlaps ищет интерес кандидата, содержащий w или содержащийся в нём.
func overlaps(w string, have []string) (string, bool) {
	for _, h := range have {
		if strings.Contains(h, w) || strings.Contains(w, h) {
			return h, true
		}
	}
	return "", false
}

// normalize приводит интересы к нижнему регистру, убирает пустые и дубликаты.
func normalize(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// SharedInterests возвращает интересы кандидата, совпавшие с интересами профиля,
// в порядке интересов профиля.
func SharedInterests(requester Profile, c Candidate) []string {
	have := normalize(c.Interests)
	var out []string
	seen := make(map[string]bool)
	for _, w := range normalize(requester.Interests) {
		if hit, ok := overlaps(w, have); ok && !seen[hit] {
			seen[hit] = true
			out = append(out, hit)
		}
	}
	return out
}
