package index

import (
	"context"
	"strings"
	"time"

	"github.com/roach88/librarian/internal/hash"
	"github.com/roach88/librarian/internal/ld"
	"github.com/roach88/librarian/internal/repo"
)

// HabitsStore is the kv store of the habit index.
const HabitsStore = "index_habits"

const dayLayout = "2006-01-02"

// HabitEntry is the check-in state of one habit on one day.
type HabitEntry struct {
	Habit  string `json:"habit"`
	Day    string `json:"day"`
	Status string `json:"status"`
}

// HabitQuery selects one habit's check-ins between two days, inclusive.
// A zero From or To leaves that side open.
type HabitQuery struct {
	Habit string
	From  time.Time
	To    time.Time
}

// Habits indexes CheckAction records keyed by habit and UTC day, so the
// latest check-in of a day wins.
type Habits struct {
	*Temporal[HabitEntry]
}

// NewHabits returns the habit index of r.
func NewHabits(r *repo.Repository, opts ...Option) *Habits {
	o := buildOptions(opts)
	return &Habits{Temporal: NewTemporal(r, HabitsStore, deriveHabit, o.prune, o.logger)}
}

// HabitKey returns the index key of habit on the UTC day of t.
func HabitKey(habit string, t time.Time) string {
	return habit + "/" + t.UTC().Format(dayLayout)
}

func deriveHabit(rec ld.Record, _ hash.ContentHash) (string, HabitEntry, time.Time, bool) {
	if rec.Type() != ld.TypeCheckAction {
		return "", HabitEntry{}, time.Time{}, false
	}
	habit, ok := rec.Str(ld.PropObject)
	if !ok || habit == "" {
		return "", HabitEntry{}, time.Time{}, false
	}
	ts, ok := rec.Timestamp()
	if !ok {
		return "", HabitEntry{}, time.Time{}, false
	}

	status, ok := rec.Str(ld.PropActionStatus)
	if !ok {
		status = "CompletedActionStatus"
	}
	entry := HabitEntry{Habit: habit, Day: ts.UTC().Format(dayLayout), Status: status}
	return HabitKey(habit, ts), entry, ts, true
}

// Search returns check-ins for q.Habit in day order.
func (h *Habits) Search(ctx context.Context, q HabitQuery) ([]Record[HabitEntry], error) {
	prefix := q.Habit + "/"
	var from, to string
	if !q.From.IsZero() {
		from = q.From.UTC().Format(dayLayout)
	}
	if !q.To.IsZero() {
		to = q.To.UTC().Format(dayLayout)
	}

	results := []Record[HabitEntry]{}
	err := h.Scan(ctx, prefix, func(r Record[HabitEntry]) bool {
		if !strings.HasPrefix(r.Key, prefix) {
			return false
		}
		// Habit names may themselves contain "/".
		if r.Props.Habit != q.Habit {
			return true
		}
		if from != "" && r.Props.Day < from {
			return true
		}
		if to != "" && r.Props.Day > to {
			return false
		}
		results = append(results, r)
		return true
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
