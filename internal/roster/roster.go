// Package roster loads student rosters from CSV exports.
package roster

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"checkin/internal/attendance"
	"checkin/internal/scan"
)

// Column headers of the roster export.
const (
	ColAccount  = "numCuenta"
	ColName     = "nombre"
	ColSemester = "Semestre"
	ColGroup    = "Grupo"
)

// ErrMissingColumn is returned when the header lacks a required column.
var ErrMissingColumn = errors.New("roster: missing column")

// Skipped describes a row that was not imported.
type Skipped struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// Result summarises an import.
type Result struct {
	Saved   int       `json:"saved"`
	Skipped []Skipped `json:"skipped,omitempty"`
}

// Parse reads a roster CSV. Header names match case-insensitively and may
// appear in any order. Rows without an account id are ignored; rows missing
// other fields or with a malformed id are reported in skipped.
func Parse(r io.Reader) (students []attendance.Student, skipped []Skipped, err error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("roster: read header: %w", err)
	}
	idx, err := columns(header)
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[string]int)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("roster: %w", err)
		}
		line, _ := cr.FieldPos(0)

		get := func(col string) string {
			i := idx[col]
			if i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		acct := get(ColAccount)
		if acct == "" {
			continue
		}
		st := attendance.Student{
			AccountID: acct,
			FullName:  get(ColName),
			Semester:  get(ColSemester),
			Group:     get(ColGroup),
		}
		switch {
		case scan.Normalize(acct) != acct || !scan.Complete(acct):
			skipped = append(skipped, Skipped{Line: line, Reason: "account id must be 6 digits"})
			continue
		case st.FullName == "" || st.Semester == "" || st.Group == "":
			skipped = append(skipped, Skipped{Line: line, Reason: "missing nombre, Semestre or Grupo"})
			continue
		}
		if i, dup := seen[acct]; dup {
			students[i] = st
			continue
		}
		seen[acct] = len(students)
		students = append(students, st)
	}
	return students, skipped, nil
}

func columns(header []string) (map[string]int, error) {
	idx := make(map[string]int, 4)
	for i, h := range header {
		h = strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")
		for _, col := range []string{ColAccount, ColName, ColSemester, ColGroup} {
			if strings.EqualFold(h, col) {
				idx[col] = i
			}
		}
	}
	for _, col := range []string{ColAccount, ColName, ColSemester, ColGroup} {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("%w %q", ErrMissingColumn, col)
		}
	}
	return idx, nil
}

// Import parses r and upserts the valid rows into w.
func Import(ctx context.Context, w attendance.RosterWriter, r io.Reader, log zerolog.Logger) (Result, error) {
	students, skipped, err := Parse(r)
	if err != nil {
		return Result{}, err
	}
	for _, s := range skipped {
		log.Warn().Int("line", s.Line).Str("reason", s.Reason).Msg("roster row skipped")
	}
	n, err := w.SaveStudents(ctx, students)
	if err != nil {
		return Result{Skipped: skipped}, fmt.Errorf("roster: save: %w", err)
	}
	log.Info().Int("saved", n).Int("skipped", len(skipped)).Msg("roster imported")
	return Result{Saved: n, Skipped: skipped}, nil
}
