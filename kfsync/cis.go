package kfsync

import (
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/kashflow_sync/kashflow"
)

// UK Construction Industry Scheme periods. The tax year starts 6 April and
// is labelled by its starting calendar year; tax month 1 runs 6 April to
// 5 May, month 12 runs 6 March to 5 April.

type taxPeriod struct {
	Year  int
	Month int
}

func cisTaxPeriod(t time.Time) taxPeriod {
	year := t.Year()
	month := int(t.Month())
	day := t.Day()

	taxYear := year
	if month < 4 || (month == 4 && day < 6) {
		taxYear = year - 1
	}
	monthDiff := (month - 4) + (year-taxYear)*12
	if day < 6 {
		monthDiff--
	}
	return taxPeriod{Year: taxYear, Month: monthDiff + 1}
}

// cisReferenceDate picks the date the period is computed from, in priority
// order: the first payment line carrying a pay date, then the paid date,
// then the issued date. Returns false when none parses.
func cisReferenceDate(rec kashflow.Record) (time.Time, bool) {
	if lines, ok := rec["PaymentLines"].([]any); ok {
		for _, l := range lines {
			line, ok := l.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := parseKashflowDate(line["PayDate"]); ok {
				return t, true
			}
		}
	}
	if t, ok := parseKashflowDate(rec["PaidDate"]); ok {
		return t, true
	}
	if t, ok := parseKashflowDate(rec["IssuedDate"]); ok {
		return t, true
	}
	return time.Time{}, false
}

// applyCISPeriod normalizes a purchase record's date fields to time.Time
// so they persist as native dates, then stamps TaxYear/TaxMonth. Recomputed
// on every sync: an early sync may see the purchase before any payment line
// exists, and the period must follow the pay date once one appears.
func applyCISPeriod(rec kashflow.Record) {
	normalizeDateField(rec, "PaidDate")
	normalizeDateField(rec, "IssuedDate")
	normalizeDateField(rec, "DueDate")
	if lines, ok := rec["PaymentLines"].([]any); ok {
		for _, l := range lines {
			if line, ok := l.(map[string]any); ok {
				normalizeDateField(line, "PayDate")
				normalizeDateField(line, "Date")
			}
		}
	}

	ref, ok := cisReferenceDate(rec)
	if !ok {
		return
	}
	period := cisTaxPeriod(ref)
	rec["TaxYear"] = period.Year
	rec["TaxMonth"] = period.Month
}

// normalizeDateField replaces a string date value with its parsed time.Time
// in place. Absent or unparseable values are left as they came.
func normalizeDateField(m map[string]any, field string) {
	if v, ok := m[field]; ok {
		if t, ok := parseKashflowDate(v); ok {
			m[field] = t
		}
	}
}

var kashflowDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseKashflowDate(v any) (time.Time, bool) {
	switch d := v.(type) {
	case time.Time:
		return d, true
	case string:
		s := strings.TrimSpace(d)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range kashflowDateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
