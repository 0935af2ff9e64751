package scheduler

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outreach/internal/domain"
	"github.com/shaiso/Outreach/internal/repo"
)

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
)

// ledger — занятые слоты одного владельца, отсортированные по времени.
//
// Используется только под блокировкой владельца.
type ledger struct {
	times    []time.Time
	byDomain map[string][]time.Time
}

func newLedger(slots []repo.Slot, exclude uuid.UUID) *ledger {
	l := &ledger{byDomain: make(map[string][]time.Time)}
	for _, s := range slots {
		if s.MessageID == exclude {
			continue
		}
		l.add(s.At, s.Domain)
	}
	return l
}

func (l *ledger) add(at time.Time, domain string) {
	l.times = insertSorted(l.times, at)
	if domain != "" {
		l.byDomain[domain] = insertSorted(l.byDomain[domain], at)
	}
}

func insertSorted(ts []time.Time, at time.Time) []time.Time {
	i := sort.Search(len(ts), func(i int) bool { return ts[i].After(at) })
	ts = append(ts, time.Time{})
	copy(ts[i+1:], ts[i:])
	ts[i] = at
	return ts
}

// finder ищет ближайший момент, удовлетворяющий всем ограничениям.
type finder struct {
	policy  domain.RatePolicy
	window  *Window
	horizon time.Time
}

// find возвращает первый t >= from, при котором:
//  1. в любом скользящем 60-минутном окне, содержащем t, меньше MaxPerHour слотов
//  2. то же для 24 часов и MaxPerDay
//  3. до любого слота того же домена не меньше MinInterval
//  4. t внутри рабочего окна в поясе loc
//
// Если такого t нет до горизонта, возвращает false.
func (f *finder) find(l *ledger, from time.Time, dom string, loc *time.Location) (time.Time, bool) {
	t := from
	for !t.After(f.horizon) {
		if next := f.window.Next(t, loc); !next.Equal(t) {
			t = next
			continue
		}
		if next, ok := f.domainConflict(l, t, dom); ok {
			t = next
			continue
		}
		if next, ok := windowFull(l.times, t, hourWindow, f.policy.MaxPerHour); ok {
			t = next
			continue
		}
		if next, ok := windowFull(l.times, t, dayWindow, f.policy.MaxPerDay); ok {
			t = next
			continue
		}
		return t, true
	}
	return time.Time{}, false
}

// domainConflict возвращает момент, когда закончится конфликт с ближайшим слотом домена.
func (f *finder) domainConflict(l *ledger, t time.Time, dom string) (time.Time, bool) {
	if f.policy.MinInterval <= 0 || dom == "" {
		return time.Time{}, false
	}
	for _, s := range l.byDomain[dom] {
		d := t.Sub(s)
		if d < 0 {
			d = -d
		}
		if d < f.policy.MinInterval {
			return s.Add(f.policy.MinInterval), true
		}
	}
	return time.Time{}, false
}

// windowFull проверяет, есть ли окно длины size, содержащее t, в котором уже limit слотов.
//
// Окна полуоткрытые [w, w+size): два момента делят окно, если между ними меньше size.
// При переполнении возвращает момент, когда самый ранний слот окна перестанет
// пересекаться с t.
func windowFull(times []time.Time, t time.Time, size time.Duration, limit int) (time.Time, bool) {
	if limit <= 0 {
		return t.Add(size), true
	}

	lo := sort.Search(len(times), func(i int) bool { return times[i].After(t.Add(-size)) })
	hi := sort.Search(len(times), func(i int) bool { return !times[i].Before(t.Add(size)) })
	near := times[lo:hi]
	if len(near) < limit {
		return time.Time{}, false
	}

	// Кандидаты начала окна: слоты слева от t и сам t.
	for i := 0; i < len(near) && !near[i].After(t); i++ {
		end := near[i].Add(size)
		cnt := sort.Search(len(near), func(j int) bool { return !near[j].Before(end) }) - i
		if cnt >= limit {
			return end, true
		}
	}
	// Окно, начинающееся в t, покрывает слоты справа.
	end := t.Add(size)
	first := sort.Search(len(near), func(j int) bool { return !near[j].Before(t) })
	last := sort.Search(len(near), func(j int) bool { return !near[j].Before(end) })
	if last-first >= limit {
		return near[first].Add(size), true
	}
	return time.Time{}, false
}
