package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateLayout is the calendar date format used for period bounds everywhere:
// flags, env, storage columns and the fingerprint.
const DateLayout = "2006-01-02"

// Period is the half-open reporting window [From, To). Both bounds are
// civil dates held at midnight UTC.
type Period struct {
	From time.Time
	To   time.Time
}

// NewPeriod truncates both bounds to civil dates and checks From < To.
func NewPeriod(from, to time.Time) (Period, error) {
	p := Period{From: CivilDate(from), To: CivilDate(to)}
	if !p.From.Before(p.To) {
		return Period{}, &ConfigError{
			Param: "date_from",
			Err:   fmt.Errorf("date_from %s must be before date_to %s", p.FromString(), p.ToString()),
		}
	}
	return p, nil
}

// CivilDate drops the clock and zone of t, keeping its calendar date.
func CivilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (p Period) FromString() string { return p.From.Format(DateLayout) }
func (p Period) ToString() string   { return p.To.Format(DateLayout) }

func (p Period) String() string {
	return p.FromString() + ".." + p.ToString()
}

// Contains reports whether t falls inside [From, To) by calendar date.
func (p Period) Contains(t time.Time) bool {
	d := CivilDate(t)
	return !d.Before(p.From) && d.Before(p.To)
}

func (p Period) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"date_from": p.FromString(),
		"date_to":   p.ToString(),
	})
}

func (p *Period) UnmarshalJSON(data []byte) error {
	var raw struct {
		From string `json:"date_from"`
		To   string `json:"date_to"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	from, err := time.Parse(DateLayout, raw.From)
	if err != nil {
		return fmt.Errorf("date_from: %w", err)
	}
	to, err := time.Parse(DateLayout, raw.To)
	if err != nil {
		return fmt.Errorf("date_to: %w", err)
	}
	p.From, p.To = from, to
	return nil
}
