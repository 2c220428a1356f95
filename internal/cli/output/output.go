// Package output renders CLI results either as a human-readable table or as JSON.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Column defines how to render one field from a row's data in the table view.
type Column[T any] struct {
	Header string
	// Accessor extracts and formats the cell value. Takes precedence over Field when set.
	Accessor func(row T) string
	Field    string
}

// Print renders data (a slice of T) either as a table or, if format == "json", as indented JSON.
func Print[T any](data []T, columns []Column[T], format string) error {
	if format == "json" {
		return printJSON(data)
	}
	return printTable(data, columns)
}

func printJSON(data any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func printTable[T any](data []T, columns []Column[T]) error {
	if len(data) == 0 {
		return nil
	}

	t := table.New().
		Border(lipgloss.Border{}).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Bold(true).PaddingRight(3)
			}
			return lipgloss.NewStyle().PaddingRight(3)
		})

	headers := make([]string, len(columns))
	for i, col := range columns {
		headers[i] = col.Header
	}
	t.Headers(headers...)

	for _, row := range data {
		cells := make([]string, len(columns))
		for i, col := range columns {
			cells[i] = cellValue(row, col)
		}
		t.Row(cells...)
	}

	fmt.Println(t.String())
	return nil
}

func cellValue[T any](row T, col Column[T]) string {
	if col.Accessor != nil {
		return col.Accessor(row)
	}
	if col.Field == "" {
		return ""
	}

	v := reflect.ValueOf(row)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	f := v.FieldByName(col.Field)
	if !f.IsValid() {
		return ""
	}
	if f.Kind() == reflect.Ptr {
		if f.IsNil() {
			return "-"
		}
		f = f.Elem()
	}
	return fmt.Sprint(f.Interface())
}
