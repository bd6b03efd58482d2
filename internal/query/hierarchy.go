package query

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/value"
)

// Keys added to every hierarchy node.
const (
	LevelKey       = "_level"
	HasChildrenKey = "_has_children"
	IsLeafKey      = "_is_leaf"
)

// rollup is a running decimal sum that remembers the widest scale it saw,
// so "10.00" + "5.50" renders as "15.50".
type rollup struct {
	sum    decimal.Decimal
	places int32
}

func (r rollup) add(o rollup) rollup {
	return rollup{sum: r.sum.Add(o.sum), places: max(r.places, o.places)}
}

func (r rollup) render() value.Value {
	return value.String(r.sum.StringFixed(r.places))
}

func rollupOf(v value.Value) rollup {
	d, ok := value.ToDecimal(v)
	if !ok {
		return rollup{}
	}
	return rollup{sum: d, places: max(0, -d.Exponent())}
}

type tree struct {
	byID     map[string]value.Object
	order    []string
	children map[string][]string
	roots    []string
	rollups  map[string]map[string]rollup
	fields   []string
}

// BuildHierarchy arranges rows into a tree by parentField and returns the
// page of root nodes, each followed by its descendants in pre-order.
//
// Rows whose parent is empty, or names a row not present, are roots.
// Every node carries _level, _has_children, _is_leaf and the decimal sum
// of each rollup field over its subtree. A parent cycle is an error.
func BuildHierarchy(rows []value.Object, parentField string, rollupFields []string, page datastore.Page) ([]value.Object, error) {
	t := &tree{
		byID:     make(map[string]value.Object, len(rows)),
		children: make(map[string][]string),
		rollups:  make(map[string]map[string]rollup, len(rows)),
		fields:   rollupFields,
	}
	for _, r := range rows {
		id := r.ID()
		if id == "" {
			continue
		}
		if _, dup := t.byID[id]; dup {
			continue
		}
		t.byID[id] = r
		t.order = append(t.order, id)
	}
	for _, id := range t.order {
		parent := value.Display(t.byID[id].Get(parentField))
		if _, ok := t.byID[parent]; parent == "" || !ok {
			t.roots = append(t.roots, id)
			continue
		}
		t.children[parent] = append(t.children[parent], id)
	}

	// Nodes unreachable from a root sit on a cycle; visiting them in
	// declaration order reports the cycle.
	visiting := make(map[string]bool)
	for _, id := range append(append([]string(nil), t.roots...), t.order...) {
		if _, err := t.sum(id, visiting); err != nil {
			return nil, err
		}
	}

	var out []value.Object
	for _, root := range datastore.Apply(t.roots, page) {
		t.flatten(root, 0, &out)
	}
	return out, nil
}

func (t *tree) sum(id string, visiting map[string]bool) (map[string]rollup, error) {
	if r, ok := t.rollups[id]; ok {
		return r, nil
	}
	if visiting[id] {
		return nil, fmt.Errorf("Cycle detected in hierarchy at id: %s", id)
	}
	visiting[id] = true
	defer delete(visiting, id)

	rec := t.byID[id]
	totals := make(map[string]rollup, len(t.fields))
	for _, f := range t.fields {
		totals[f] = rollupOf(rec.Get(f))
	}
	for _, child := range t.children[id] {
		sub, err := t.sum(child, visiting)
		if err != nil {
			return nil, err
		}
		for _, f := range t.fields {
			totals[f] = totals[f].add(sub[f])
		}
	}
	t.rollups[id] = totals
	return totals, nil
}

func (t *tree) flatten(id string, level int, out *[]value.Object) {
	node := t.byID[id].Clone()
	for f, r := range t.rollups[id] {
		node[f] = r.render()
	}
	kids := t.children[id]
	node[LevelKey] = value.Int(level)
	node[HasChildrenKey] = value.Bool(len(kids) > 0)
	node[IsLeafKey] = value.Bool(len(kids) == 0)
	*out = append(*out, node)
	for _, child := range kids {
		t.flatten(child, level+1, out)
	}
}

// MergeDetails overlays hierarchy nodes onto their detail rows so computed
// rollups and tree keys win. Nodes without a detail row are kept as is.
func MergeDetails(nodes, details []value.Object) []value.Object {
	byID := make(map[string]value.Object, len(details))
	for _, d := range details {
		byID[d.ID()] = d
	}
	out := make([]value.Object, len(nodes))
	for i, n := range nodes {
		d, ok := byID[n.ID()]
		if !ok {
			out[i] = n
			continue
		}
		out[i] = d.Merge(n)
	}
	return out
}

// NodeIDs returns the ids of nodes in order.
func NodeIDs(nodes []value.Object) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID()
	}
	return ids
}

// ParseParams converts textual runtime params: booleans first, then
// numbers, otherwise the string itself.
func ParseParams(in map[string]string) map[string]value.Value {
	out := make(map[string]value.Value, len(in))
	for k, s := range in {
		if s == "true" || s == "false" {
			out[k] = value.Bool(s == "true")
			continue
		}
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			out[k] = value.Int(i)
			continue
		}
		if d, err := value.DecimalFromString(s); err == nil {
			out[k] = d
			continue
		}
		out[k] = value.String(s)
	}
	return out
}
