package hr

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/expr"
	"github.com/roach88/gurih/internal/plugin"
	"github.com/roach88/gurih/internal/schema"
	"github.com/roach88/gurih/internal/value"
)

// raiseInterval is the wait between periodic raises.
const raiseInterval = 2

// checkRaiseEligibility requires that two years have passed since the
// employee's later grade or raise date, and that the two previous years
// both have a review rated at least Good.
//
// The record field naming the employee comes from the "field" keyword or
// the first argument. Entity names may be overridden with the
// "employee_entity" and "review_entity" keywords.
func (p *Plugin) checkRaiseEligibility(ctx context.Context, env plugin.Env, call schema.Custom, record value.Object) error {
	field := plugin.Kwarg(call.Kwargs, "field", "")
	if field == "" {
		field, _ = plugin.ArgString(call.Args, 0)
	}
	if field == "" {
		field = "employee"
	}
	employeeID, ok := record.Str(field)
	if !ok || employeeID == "" {
		return core.Validation("Field '%s' is missing or not a string", field)
	}
	store, err := env.RequireStore("raise eligibility")
	if err != nil {
		return err
	}
	employeeEntity := plugin.Kwarg(call.Kwargs, "employee_entity", p.entities.Employee)
	reviewEntity := plugin.Kwarg(call.Kwargs, "review_entity", p.entities.Review)

	employee, err := store.Get(ctx, env.Table(employeeEntity), employeeID)
	if errors.Is(err, datastore.ErrNotFound) {
		return core.Validation("%s %s not found", employeeEntity, employeeID)
	}
	if err != nil {
		return core.Wrap(core.ErrCodeDatastore, err, "cannot read %s: %v", employeeEntity, err)
	}

	last, ok := latestDate(employee, "grade_date", "last_raise_date")
	if !ok {
		return core.Validation("%s has neither a grade date nor a last raise date", employeeEntity)
	}
	now := env.Clock()
	next := addYears(last, raiseInterval)
	if now.Before(next) {
		return core.Validation("Not eligible until %d years have passed. Next effective date: %s",
			raiseInterval, next.Format(time.DateOnly))
	}

	reviews, err := store.Find(ctx, env.Table(reviewEntity), datastore.Filters{field: employeeID})
	if err != nil {
		return core.Wrap(core.ErrCodeDatastore, err, "cannot read %s: %v", reviewEntity, err)
	}
	y1, y2 := int64(now.Year()-1), int64(now.Year()-2)
	seen := make(map[int64]bool, 2)
	var ratings []string
	for _, r := range reviews {
		year := value.DecimalOrZero(r.Get("year")).IntPart()
		if year != y1 && year != y2 {
			continue
		}
		seen[year] = true
		ratings = append(ratings, r.StrOr("rating", ""))
	}
	if !seen[y1] || !seen[y2] {
		return core.Validation("Performance reviews incomplete for years %d and %d", y2, y1)
	}
	for _, rating := range ratings {
		if !strings.Contains(rating, "Good") {
			return core.Validation("Performance rating for the last two years must be at least 'Good'")
		}
	}
	p.logger.Debug("raise eligibility met", "employee", employeeID, "since", last.Format(time.DateOnly))
	return nil
}

// latestDate returns the later of the parseable dates in fields.
func latestDate(rec value.Object, fields ...string) (time.Time, bool) {
	var out time.Time
	found := false
	for _, f := range fields {
		t, ok := expr.ParseDate(rec.StrOr(f, ""))
		if !ok {
			continue
		}
		if !found || t.After(out) {
			out, found = t, true
		}
	}
	return out, found
}

// addYears moves t forward n calendar years. February 29 lands on
// February 28 in non-leap years.
func addYears(t time.Time, n int) time.Time {
	y := t.Year() + n
	if t.Month() == time.February && t.Day() == 29 && !isLeap(y) {
		return time.Date(y, time.February, 28, 0, 0, 0, 0, t.Location())
	}
	return time.Date(y, t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func isLeap(y int) bool {
	return y%4 == 0 && (y%100 != 0 || y%400 == 0)
}
