// Package period decides which reporting window a run loads.
package period

import (
	"fmt"
	"strings"
	"time"

	"github.com/invledger/postings/internal/config"
	"github.com/invledger/postings/internal/domain"
)

// ResolveDefault returns the most recently completed window of days that
// ends on boundary: To is the latest boundary weekday on or before today.
// today is read as a civil date in its own location.
func ResolveDefault(today time.Time, boundary time.Weekday, days int) domain.Period {
	if days < 1 {
		days = 7
	}
	d := domain.CivilDate(today)
	back := (int(d.Weekday()) - int(boundary) + 7) % 7
	to := d.AddDate(0, 0, -back)
	return domain.Period{From: to.AddDate(0, 0, -days), To: to}
}

// ParseDate parses a 2006-01-02 calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(domain.DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, &domain.FormatError{Value: s, Msg: "expected YYYY-MM-DD"}
	}
	return t, nil
}

type Resolver struct {
	Boundary time.Weekday
	Days     int
	Location *time.Location
	Now      func() time.Time
}

func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{
		Boundary: cfg.PeriodWeekday,
		Days:     cfg.PeriodDays,
		Location: cfg.Location,
		Now:      time.Now,
	}
}

// Today is the current civil date in the resolver's location.
func (r *Resolver) Today() time.Time {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	return now().In(loc)
}

func (r *Resolver) Default() domain.Period {
	return ResolveDefault(r.Today(), r.Boundary, r.Days)
}

// Resolve returns the explicit period when both bounds are given and the
// default window when neither is.
func (r *Resolver) Resolve(from, to string) (domain.Period, error) {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	switch {
	case from == "" && to == "":
		return r.Default(), nil
	case from == "" || to == "":
		return domain.Period{}, &domain.ConfigError{
			Param: "date_from/date_to",
			Err:   fmt.Errorf("%w: both bounds must be given together", domain.ErrFormat),
		}
	}

	f, err := ParseDate(from)
	if err != nil {
		return domain.Period{}, &domain.ConfigError{Param: "date_from", Err: err}
	}
	t, err := ParseDate(to)
	if err != nil {
		return domain.Period{}, &domain.ConfigError{Param: "date_to", Err: err}
	}
	return domain.NewPeriod(f, t)
}
