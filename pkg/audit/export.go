package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// ExportFormat selects the export file layout.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
)

type exportDocument struct {
	ExportDate  time.Time       `json:"exportDate"`
	DateRange   exportDateRange `json:"dateRange"`
	TotalEvents int             `json:"totalEvents"`
	Events      []Event         `json:"events"`
}

type exportDateRange struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// Export writes the matching events to w in the requested format. The
// export itself is an audited, medium-severity action.
func (l *Ledger) Export(w io.Writer, format ExportFormat, q Query, actorID string) error {
	// Exports are not paginated.
	q.Offset = 0
	q.Limit = 0
	var all []Event
	const batch = 500
	for {
		q.Limit = batch
		page, _, err := l.Events(q)
		if err != nil {
			return fmt.Errorf("collect export events: %w", err)
		}
		all = append(all, page...)
		if len(page) < batch {
			break
		}
		q.Offset += batch
	}

	var err error
	switch format {
	case FormatJSON, "":
		err = writeJSONExport(w, q, all)
	case FormatCSV:
		err = writeCSVExport(w, all)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return err
	}

	_, logErr := l.Log(Entry{
		Action:   "data_export",
		ActorID:  actorID,
		Severity: SeverityMedium,
		Metadata: map[string]string{
			"format": string(format),
			"events": strconv.Itoa(len(all)),
		},
	})
	return logErr
}

func writeJSONExport(w io.Writer, q Query, all []Event) error {
	doc := exportDocument{
		ExportDate:  time.Now().UTC(),
		TotalEvents: len(all),
		Events:      all,
	}
	if !q.From.IsZero() {
		from := q.From
		doc.DateRange.From = &from
	}
	if !q.To.IsZero() {
		to := q.To
		doc.DateRange.To = &to
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func writeCSVExport(w io.Writer, all []Event) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"ID", "Action", "UserID", "Timestamp", "Severity", "IPAddress", "Metadata"}); err != nil {
		return err
	}
	for i := range all {
		ev := &all[i]
		row := []string{
			strconv.FormatUint(uint64(ev.ID), 10),
			ev.Action,
			ev.ActorID,
			ev.Timestamp.UTC().Format(time.RFC3339Nano),
			string(ev.Severity),
			ev.IPAddress,
			ev.Metadata.Canonical(),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
