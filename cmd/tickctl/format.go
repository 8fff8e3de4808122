package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

const timeLayout = "2006-01-02 15:04:05 MST"

type table struct{ tw *tabwriter.Writer }

func newTable(w io.Writer, header ...string) *table {
	t := &table{tw: tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)}
	t.row(header...)
	return t
}

func (t *table) row(cols ...string) { fmt.Fprintln(t.tw, strings.Join(cols, "\t")) }

func (t *table) flush() error { return t.tw.Flush() }

// kv prints aligned "key: value" lines.
type kv struct{ tw *tabwriter.Writer }

func newKV(w io.Writer) *kv { return &kv{tw: tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)} }

func (k *kv) add(key, value string) { fmt.Fprintf(k.tw, "%s:\t%s\n", key, value) }

func (k *kv) flush() error { return k.tw.Flush() }

func (c *cli) fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(c.loc).Format(timeLayout)
}

func (c *cli) fmtTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return c.fmtTime(*t)
}

func fmtDuration(secs *float64) string {
	if secs == nil {
		return "-"
	}
	return strconv.FormatFloat(*secs, 'f', 2, 64) + "s"
}

func fmtExit(code *int) string {
	if code == nil {
		return "-"
	}
	return strconv.Itoa(*code)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func printOutput(w io.Writer, label string, s *string) {
	if s == nil || *s == "" {
		return
	}
	fmt.Fprintf(w, "--- %s ---\n%s", label, *s)
	if !strings.HasSuffix(*s, "\n") {
		fmt.Fprintln(w)
	}
}
