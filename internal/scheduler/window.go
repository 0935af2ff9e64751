package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Рабочее окно по умолчанию: 09:00–17:00 местного времени, все дни недели.
const (
	DefaultWindowStart = 9
	DefaultWindowEnd   = 17
	DefaultWindowDays  = "*"
)

// cronParser — парсер cron-выражений (минуты, часы, дни месяца, месяцы, дни недели).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Window — рабочее окно отправки в часовом поясе получателя.
//
// Окно задаётся cron-выражением "0 start-(end-1) * * days": Contains проверяет
// час и день недели по битовым маскам, Next берёт ближайшее открытие через cron.
type Window struct {
	start, end int
	days       string
	spec       *cron.SpecSchedule

	// fallback — пояс для получателей без timezone.
	fallback *time.Location

	mu   sync.Mutex
	locs map[string]*time.Location
}

// NewWindow создаёт окно [start, end) по часам. days — поле cron «день недели»
// ("*", "1-5", "MON-FRI").
func NewWindow(start, end int, days string, fallback *time.Location) (*Window, error) {
	if start < 0 || end > 24 || start >= end {
		return nil, fmt.Errorf("invalid business hours %d-%d", start, end)
	}
	days = strings.TrimSpace(days)
	if days == "" {
		days = DefaultWindowDays
	}
	if fallback == nil {
		fallback = time.UTC
	}

	expr := fmt.Sprintf("0 %d-%d * * %s", start, end-1, days)
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse window %q: %w", expr, err)
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("unexpected schedule type %T", sched)
	}

	return &Window{
		start:    start,
		end:      end,
		days:     days,
		spec:     spec,
		fallback: fallback,
		locs:     make(map[string]*time.Location),
	}, nil
}

// DefaultWindow возвращает окно 09:00–17:00 UTC без ограничений по дням.
func DefaultWindow() *Window {
	w, err := NewWindow(DefaultWindowStart, DefaultWindowEnd, DefaultWindowDays, time.UTC)
	if err != nil {
		panic(err)
	}
	return w
}

// String описывает окно для логов.
func (w *Window) String() string {
	return fmt.Sprintf("%02d:00-%02d:00 days=%s", w.start, w.end, w.days)
}

// Location возвращает пояс получателя. Некорректный или пустой — fallback.
func (w *Window) Location(tz string) *time.Location {
	if tz == "" {
		return w.fallback
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if loc, ok := w.locs[tz]; ok {
		return loc
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = w.fallback
	}
	w.locs[tz] = loc
	return loc
}

// Contains проверяет, что t попадает в окно в поясе loc.
func (w *Window) Contains(t time.Time, loc *time.Location) bool {
	lt := t.In(loc)
	return w.spec.Hour&(1<<uint(lt.Hour())) != 0 && w.spec.Dow&(1<<uint(lt.Weekday())) != 0
}

// Next возвращает t, если оно в окне, иначе ближайшее открытие окна после t (в UTC).
func (w *Window) Next(t time.Time, loc *time.Location) time.Time {
	if w.Contains(t, loc) {
		return t
	}
	return w.spec.Next(t.In(loc)).UTC()
}
