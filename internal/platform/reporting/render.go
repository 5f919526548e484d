package reporting

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"time"
)

// Section status values, matching the aggregate result statuses.
const (
	StatusOK       = "ok"
	StatusEmpty    = "empty"
	StatusDegraded = "degraded"
)

// Document is the print view of a report, already reduced to strings so the
// template carries no formatting logic.
type Document struct {
	Title       string
	Location    string
	Period      string
	GeneratedAt time.Time
	DataAsOf    string
	Highlights  []Stat
	Sections    []Section
}

type Stat struct {
	Label string
	Value string
	Note  string
}

// Section is one block of the report: a stat strip, a table, or both.
type Section struct {
	ID      string
	Title   string
	Status  string
	Warning string
	Stats   []Stat
	Table   *Table
}

type Table struct {
	Columns []Column
	Rows    [][]string
}

type Column struct {
	Label   string
	Numeric bool
}

// HasData reports whether the section has anything to print.
func (s Section) HasData() bool {
	return len(s.Stats) > 0 || (s.Table != nil && len(s.Table.Rows) > 0)
}

//go:embed templates/*.tmpl
var templateFS embed.FS

// Renderer renders documents with the embedded print template.
type Renderer struct {
	tmpl *template.Template
}

func NewRenderer() (*Renderer, error) {
	tmpl, err := template.New("sitrep.html.tmpl").Funcs(template.FuncMap{
		"stamp": func(t time.Time) string { return t.UTC().Format("02 Jan 2006 15:04 UTC") },
	}).ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse report templates: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

// Render writes doc as a standalone HTML page. Output is buffered so a
// template error never leaves a half-written page on w.
func (r *Renderer) Render(w io.Writer, doc Document) error {
	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, "sitrep.html.tmpl", doc); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	_, err := buf.WriteTo(w)
	return err
}
