package normalize

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ResultKind is the outcome of a column transform.
type ResultKind int

const (
	// Ok means the column was replaced by Result.Column.
	Ok ResultKind = iota
	// Skip means the column is left as it is.
	Skip
	// Fatal aborts normalization of the whole table.
	Fatal
)

func (k ResultKind) String() string {
	switch k {
	case Ok:
		return "ok"
	case Skip:
		return "skip"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Result is returned by a ColumnTransform. On Ok the caller owns Column.
type Result struct {
	Kind   ResultKind
	Field  arrow.Field
	Column *arrow.Chunked
	Reason string
	Err    error
}

func ok(field arrow.Field, typ arrow.DataType, col *arrow.Chunked) Result {
	return Result{
		Kind:   Ok,
		Field:  arrow.Field{Name: field.Name, Type: typ, Nullable: true, Metadata: field.Metadata},
		Column: col,
	}
}

func skip(reason string) Result {
	return Result{Kind: Skip, Reason: reason}
}

func fatal(err error) Result {
	return Result{Kind: Fatal, Reason: err.Error(), Err: err}
}

// ColumnTransform converts one matched column.
type ColumnTransform func(mem memory.Allocator, field arrow.Field, col *arrow.Chunked) Result

// TableTransform rewrites the whole table. The returned table is owned by
// the caller; the input is not released.
type TableTransform func(mem memory.Allocator, tbl arrow.Table) (arrow.Table, error)

// Matcher selects columns by exact name or name suffix.
type Matcher struct {
	Exact  []string
	Suffix []string
}

// Match reports whether name is selected.
func (m Matcher) Match(name string) bool {
	for _, e := range m.Exact {
		if name == e {
			return true
		}
	}
	for _, s := range m.Suffix {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// Rule is one step of normalization. Exactly one of Column or Table is set.
type Rule struct {
	Name   string
	Match  Matcher
	Column ColumnTransform
	Table  TableTransform
}

// OutOfRangePolicy decides what the small-integer rule does with values
// that do not fit.
type OutOfRangePolicy string

const (
	// OutOfRangeError makes an out-of-range value fatal.
	OutOfRangeError OutOfRangePolicy = "error"
	// OutOfRangeSkip leaves the column unchanged.
	OutOfRangeSkip OutOfRangePolicy = "skip"
)

// RuleConfig holds the name sets of the default rules. Nil slices take the
// defaults.
type RuleConfig struct {
	YearColumns        []string
	MonthColumns       []string
	SmallIntColumns    []string
	SmallIntSuffixes   []string
	FlagSuffixes       []string
	UUIDColumns        []string
	DateColumns        []string
	DateSuffixes       []string
	PrimaryDateColumns []string
	DictionaryColumns  []string
	DictionarySuffixes []string
	OutOfRange         OutOfRangePolicy
}

// DefaultRuleConfig returns the name sets used for DMAP datasets.
func DefaultRuleConfig() RuleConfig {
	return RuleConfig{
		YearColumns:        []string{"Year"},
		MonthColumns:       []string{"Month"},
		SmallIntColumns:    []string{"Hour", "hour"},
		SmallIntSuffixes:   []string{"_hour", "_month_num"},
		FlagSuffixes:       []string{"_flag"},
		UUIDColumns:        []string{"id"},
		DateColumns:        []string{"Date", "date", "service_date"},
		DateSuffixes:       []string{"_date", "_mm_dd_yy"},
		PrimaryDateColumns: []string{"Date", "date", "service_date"},
		DictionaryColumns: []string{
			"Day Type", "Time Period", "Service", "Fare Product Type", "Route", "Station",
			"day_type", "time_period", "service", "fare_product_type", "route", "station",
			"device_id",
		},
		DictionarySuffixes: []string{"_name", "_desc"},
		OutOfRange:         OutOfRangeError,
	}
}

func (c RuleConfig) withDefaults() RuleConfig {
	d := DefaultRuleConfig()
	pick := func(v, def []string) []string {
		if v == nil {
			return def
		}
		return v
	}
	c.YearColumns = pick(c.YearColumns, d.YearColumns)
	c.MonthColumns = pick(c.MonthColumns, d.MonthColumns)
	c.SmallIntColumns = pick(c.SmallIntColumns, d.SmallIntColumns)
	c.SmallIntSuffixes = pick(c.SmallIntSuffixes, d.SmallIntSuffixes)
	c.FlagSuffixes = pick(c.FlagSuffixes, d.FlagSuffixes)
	c.UUIDColumns = pick(c.UUIDColumns, d.UUIDColumns)
	c.DateColumns = pick(c.DateColumns, d.DateColumns)
	c.DateSuffixes = pick(c.DateSuffixes, d.DateSuffixes)
	c.PrimaryDateColumns = pick(c.PrimaryDateColumns, d.PrimaryDateColumns)
	c.DictionaryColumns = pick(c.DictionaryColumns, d.DictionaryColumns)
	c.DictionarySuffixes = pick(c.DictionarySuffixes, d.DictionarySuffixes)
	if c.OutOfRange == "" {
		c.OutOfRange = d.OutOfRange
	}
	return c
}

// DefaultRules returns the rule table in evaluation order.
func DefaultRules(cfg RuleConfig) []Rule {
	cfg = cfg.withDefaults()
	return []Rule{
		{Name: "year", Match: Matcher{Exact: cfg.YearColumns}, Column: yearToString},
		{Name: "month", Match: Matcher{Exact: cfg.MonthColumns}, Column: monthToMM},
		{
			Name:   "small-int",
			Match:  Matcher{Exact: cfg.SmallIntColumns, Suffix: cfg.SmallIntSuffixes},
			Column: narrowUint8(cfg.OutOfRange),
		},
		{Name: "flag", Match: Matcher{Suffix: cfg.FlagSuffixes}, Column: flagToBool},
		{Name: "uuid", Match: Matcher{Exact: cfg.UUIDColumns}, Column: uuidToBinary},
		{
			Name:   "date",
			Match:  Matcher{Exact: cfg.DateColumns, Suffix: cfg.DateSuffixes},
			Column: parseDates,
		},
		{Name: "partition", Table: partitionColumns(cfg.PrimaryDateColumns)},
		{
			Name:   "dictionary",
			Match:  Matcher{Exact: cfg.DictionaryColumns, Suffix: cfg.DictionarySuffixes},
			Column: dictionaryEncode,
		},
		{Name: "unify", Table: unifyDictionaries},
	}
}
