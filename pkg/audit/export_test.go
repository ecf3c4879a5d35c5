package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExportJSONSchema(t *testing.T) {
	ledger := newTestLedger(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := ledger.Log(Entry{Action: "command_executed", ActorID: "u1", Timestamp: base.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, ledger.Export(&buf, FormatJSON, Query{From: base}, "operator-1"))

	var doc struct {
		ExportDate  time.Time `json:"exportDate"`
		DateRange   struct {
			From *time.Time `json:"from"`
		} `json:"dateRange"`
		TotalEvents int     `json:"totalEvents"`
		Events      []Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	require.Equal(t, 3, doc.TotalEvents)
	require.Len(t, doc.Events, 3)
	require.NotNil(t, doc.DateRange.From)
	require.False(t, doc.ExportDate.IsZero())
}

func TestExportCSVColumns(t *testing.T) {
	ledger := newTestLedger(t)

	_, err := ledger.Log(Entry{
		Action: "session_connected", ActorID: "device-1",
		IPAddress: "10.0.0.5", Metadata: map[string]string{"method": "api-key"},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, ledger.Export(&buf, FormatCSV, Query{}, "operator-1"))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Equal(t, []string{"ID", "Action", "UserID", "Timestamp", "Severity", "IPAddress", "Metadata"}, rows[0])
	require.Len(t, rows, 2)
	require.Equal(t, "session_connected", rows[1][1])
	require.Equal(t, "device-1", rows[1][2])
	require.Equal(t, "10.0.0.5", rows[1][5])
}

func TestExportIsItselfAudited(t *testing.T) {
	ledger := newTestLedger(t)

	_, err := ledger.Log(Entry{Action: "heartbeat", ActorID: "device-1"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, ledger.Export(&buf, FormatJSON, Query{}, "operator-1"))

	got, _, err := ledger.Events(Query{Action: "data_export"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, SeverityMedium, got[0].Severity)
	require.Equal(t, "operator-1", got[0].ActorID)
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	ledger := newTestLedger(t)
	var buf bytes.Buffer
	require.Error(t, ledger.Export(&buf, "xml", Query{}, "operator-1"))
}
