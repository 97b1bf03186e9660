package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"

	"asyncsqlite/pkg/asyncsqlite"
)

// renderRows writes a result set as a table or as a JSON array of objects.
func renderRows(w io.Writer, format string, rs *asyncsqlite.ResultSet) error {
	if format == "json" {
		return writeJSON(w, rs.Maps())
	}

	if len(rs.Columns) == 0 {
		return nil
	}
	values := make([][]string, len(rs.Rows))
	for i, row := range rs.Rows {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = cell(v)
		}
		values[i] = cells
	}

	tb := tablewriter.NewWriter(w)
	tb.SetHeader(rs.Columns)
	tb.SetAutoFormatHeaders(false)
	tb.AppendBulk(values)
	tb.Render()
	_, err := fmt.Fprintf(w, "(%d rows)\n", rs.Len())
	return err
}

// renderCommand writes the effect of a statement without rows.
func renderCommand(w io.Writer, format string, res *asyncsqlite.CommandResult) error {
	if format == "json" {
		return writeJSON(w, map[string]int64{
			"rows_affected":  res.RowsAffected,
			"last_insert_id": res.LastInsertID,
		})
	}
	_, err := fmt.Fprintf(w, "rows affected: %d, last insert id: %d\n", res.RowsAffected, res.LastInsertID)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cell(v any) string {
	if v == nil {
		return "NULL"
	}
	return fmt.Sprint(v)
}
