package data

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/schema"
	"github.com/roach88/gurih/internal/value"
)

// sequenceTable holds counters for stores without a Sequencer.
const sequenceTable = "_gurih_sequences"

// assignSerials fills empty serial fields of rec.
func (e *Engine) assignSerials(ctx context.Context, ent *schema.Entity, rec value.Object) error {
	for _, f := range ent.Fields {
		if f.Type != schema.TypeSerial || f.Serial == "" {
			continue
		}
		if s, ok := rec.Str(f.Name); ok && s != "" {
			continue
		}
		serial, err := e.NextSerial(ctx, f.Serial)
		if err != nil {
			return err
		}
		rec[f.Name] = value.String(serial)
	}
	return nil
}

// NextSerial renders the next identifier of a serial generator. Counters
// are kept per rendered prefix, so a generator whose prefix carries a date
// restarts each period.
func (e *Engine) NextSerial(ctx context.Context, generator string) (string, error) {
	g, ok := e.schema.SerialGenerators[generator]
	if !ok {
		return "", core.Workflow("Serial generator '%s' not found", generator)
	}
	prefix := g.Prefix + FormatSerialDate(g.DateFormat, e.now())

	n, err := e.nextSequence(ctx, g.Name, prefix)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%0*d", prefix, g.Digits, n), nil
}

func (e *Engine) nextSequence(ctx context.Context, name, scope string) (int64, error) {
	if seq, ok := e.store.(datastore.Sequencer); ok {
		n, err := seq.NextSequence(ctx, name, scope)
		if err != nil {
			return 0, core.Wrap(core.ErrCodeDatastore, err, "cannot advance sequence '%s': %v", name, err)
		}
		return n, nil
	}

	mu := e.serialLock(name)
	mu.Lock()
	defer mu.Unlock()

	filters := datastore.Filters{"name": name, "context": scope}
	row, err := e.store.FindFirst(ctx, sequenceTable, filters)
	switch {
	case errors.Is(err, datastore.ErrNotFound):
		_, err = e.store.Insert(ctx, sequenceTable, value.Object{
			"name":    value.String(name),
			"context": value.String(scope),
			"value":   value.Int(1),
		})
		if err != nil {
			return 0, core.Wrap(core.ErrCodeDatastore, err, "cannot start sequence '%s': %v", name, err)
		}
		return 1, nil
	case err != nil:
		return 0, core.Wrap(core.ErrCodeDatastore, err, "cannot read sequence '%s': %v", name, err)
	}

	cur, _ := value.ToDecimal(row.Get("value"))
	next := cur.IntPart() + 1
	if err := e.store.Update(ctx, sequenceTable, row.ID(), value.Object{"value": value.Int(next)}); err != nil {
		return 0, core.Wrap(core.ErrCodeDatastore, err, "cannot advance sequence '%s': %v", name, err)
	}
	return next, nil
}

func (e *Engine) serialLock(name string) *sync.Mutex {
	e.serialMu.Lock()
	defer e.serialMu.Unlock()
	mu, ok := e.serialLocks[name]
	if !ok {
		mu = &sync.Mutex{}
		e.serialLocks[name] = mu
	}
	return mu
}

// FormatSerialDate renders a serial date format. Formats containing '%'
// use the strftime verbs %Y %y %m %d; others substitute the tokens YYYY,
// MM and DD.
func FormatSerialDate(format string, t time.Time) string {
	if format == "" {
		return ""
	}
	if !strings.Contains(format, "%") {
		return strings.NewReplacer(
			"YYYY", t.Format("2006"),
			"MM", t.Format("01"),
			"DD", t.Format("02"),
		).Replace(format)
	}

	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' || i+1 == len(format) {
			b.WriteByte(c)
			continue
		}
		i++
		switch format[i] {
		case 'Y':
			b.WriteString(t.Format("2006"))
		case 'y':
			b.WriteString(t.Format("06"))
		case 'm':
			b.WriteString(t.Format("01"))
		case 'd':
			b.WriteString(t.Format("02"))
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte('%')
			b.WriteByte(format[i])
		}
	}
	return b.String()
}
