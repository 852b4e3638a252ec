// Package normalize converts loosely typed raw tables into compact,
// strongly typed, partition-ready tables.
//
// Normalization is an ordered list of rules. Column rules are applied to
// every column their Matcher selects and return a Result: Ok replaces the
// column, Skip leaves it alone, Fatal aborts the table. Table rules (the
// partition derivation and dictionary unification) see the whole table.
//
// Normalization never changes the row count or row order, never drops a
// column it does not replace, and never touches a column no rule matches.
package normalize

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"

	"github.com/paulswartz/data-platform/pkg/errors"
)

// RuleSetVersion identifies the default rule table. It is written into the
// schema metadata of every normalized table; bump it whenever a change to
// the rules changes the output schema of previously landed data.
const RuleSetVersion = "1"

// Schema metadata keys written by Normalize.
const (
	MetadataSchemaVersion    = "dmap.schema_version"
	MetadataPartitionColumns = "dmap.partition_columns"
)

// Normalizer applies a rule table.
type Normalizer struct {
	rules   []Rule
	version string
	mem     memory.Allocator
	logger  *zap.Logger
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithAllocator sets the allocator for new buffers.
func WithAllocator(mem memory.Allocator) Option {
	return func(n *Normalizer) { n.mem = mem }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(n *Normalizer) { n.logger = logger }
}

// WithRules replaces the rule table and the version it is tagged with.
func WithRules(rules []Rule, version string) Option {
	return func(n *Normalizer) {
		n.rules = rules
		n.version = version
	}
}

// New creates a Normalizer with DefaultRules(cfg).
func New(cfg RuleConfig, opts ...Option) *Normalizer {
	n := &Normalizer{
		rules:   DefaultRules(cfg),
		version: RuleSetVersion,
		mem:     memory.DefaultAllocator,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With(zap.String("component", "normalize"))
	return n
}

// Rules returns the rule names in evaluation order.
func (n *Normalizer) Rules() []string {
	names := make([]string, len(n.rules))
	for i, r := range n.rules {
		names[i] = r.Name
	}
	return names
}

// Normalize returns the normalized table, or an ErrorTypeNormalize error
// naming the column and rule that failed. The input table is not released.
func (n *Normalizer) Normalize(ctx context.Context, tbl arrow.Table) (arrow.Table, error) {
	cur := tbl
	cur.Retain()

	for _, rule := range n.rules {
		if err := ctx.Err(); err != nil {
			cur.Release()
			return nil, err
		}

		var (
			next arrow.Table
			err  error
		)
		if rule.Table != nil {
			next, err = rule.Table(n.mem, cur)
			if err != nil {
				err = errors.Wrapf(err, errors.ErrorTypeNormalize, "rule %s failed", rule.Name).
					WithDetail("rule", rule.Name)
			}
		} else {
			next, err = n.applyColumnRule(rule, cur)
		}
		cur.Release()
		if err != nil {
			return nil, err
		}
		cur = next
	}

	out := withSchemaMetadata(cur, map[string]string{MetadataSchemaVersion: n.version})
	cur.Release()
	return out, nil
}

func (n *Normalizer) applyColumnRule(rule Rule, tbl arrow.Table) (arrow.Table, error) {
	cols := make([]arrow.Column, tbl.NumCols())
	var replaced []*arrow.Column
	defer func() {
		for _, c := range replaced {
			c.Release()
		}
	}()

	for i := range cols {
		col := tbl.Column(i)
		cols[i] = *col
		if !rule.Match.Match(col.Name()) {
			continue
		}

		res := rule.Column(n.mem, col.Field(), col.Data())
		switch res.Kind {
		case Ok:
			nc := arrow.NewColumn(res.Field, res.Column)
			res.Column.Release()
			replaced = append(replaced, nc)
			cols[i] = *nc
			n.logger.Debug("column normalized",
				zap.String("rule", rule.Name),
				zap.String("column", col.Name()),
				zap.Stringer("from", col.DataType()),
				zap.Stringer("to", res.Field.Type))
		case Skip:
			n.logger.Debug("column skipped",
				zap.String("rule", rule.Name),
				zap.String("column", col.Name()),
				zap.String("reason", res.Reason))
		default:
			var err *errors.Error
			if res.Err != nil {
				err = errors.Wrapf(res.Err, errors.ErrorTypeNormalize, "column %q failed rule %s", col.Name(), rule.Name)
			} else {
				err = errors.Newf(errors.ErrorTypeNormalize, "column %q failed rule %s: %s", col.Name(), rule.Name, res.Reason)
			}
			return nil, err.WithDetail("column", col.Name()).WithDetail("rule", rule.Name)
		}
	}

	if len(replaced) == 0 {
		tbl.Retain()
		return tbl, nil
	}
	return newTable(cols, tbl.Schema().Metadata(), tbl.NumRows()), nil
}

// newTable builds a table from cols, retaining them.
func newTable(cols []arrow.Column, md arrow.Metadata, rows int64) arrow.Table {
	fields := make([]arrow.Field, len(cols))
	for i := range cols {
		fields[i] = cols[i].Field()
	}
	return array.NewTable(arrow.NewSchema(fields, &md), cols, rows)
}

// withSchemaMetadata returns tbl with the given schema metadata keys set.
func withSchemaMetadata(tbl arrow.Table, kv map[string]string) arrow.Table {
	md := tbl.Schema().Metadata()
	keys := append([]string(nil), md.Keys()...)
	values := append([]string(nil), md.Values()...)
	for k, v := range kv {
		if i := md.FindKey(k); i >= 0 {
			values[i] = v
			continue
		}
		keys = append(keys, k)
		values = append(values, v)
	}

	cols := make([]arrow.Column, tbl.NumCols())
	for i := range cols {
		cols[i] = *tbl.Column(i)
	}
	return newTable(cols, arrow.NewMetadata(keys, values), tbl.NumRows())
}
