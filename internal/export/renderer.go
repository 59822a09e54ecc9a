// Package export renders invoice records into XLSX workbooks.
package export

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/averki/invopipe/internal/invoice"
)

const sheetName = "Invoices"

// Columns is the export header row: the invoice header fields plus
// flattened line-item columns and per-row provenance.
var Columns = []string{
	"file_name",
	"vendor",
	"invoice_number",
	"invoice_date",
	"due_date",
	"subtotal",
	"tax_amount",
	"discount_amount",
	"shipping_amount",
	"total_amount",
	"currency",
	"reconciliation_warning",
	"line_item_description",
	"line_item_quantity",
	"line_item_unit_price",
	"line_item_amount",
	"parsed_timestamp",
}

// Renderer produces the XLSX byte stream for a set of records. A record
// yields one row per line item, repeating the header fields; a record
// without line items still yields one row so no invoice is invisible in
// the export.
type Renderer struct{}

func NewRenderer() *Renderer { return &Renderer{} }

// Render builds the workbook and returns its bytes.
func (r *Renderer) Render(records []*invoice.Record) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, fmt.Errorf("naming sheet: %w", err)
	}

	for i, h := range Columns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return nil, fmt.Errorf("writing header: %w", err)
		}
	}

	row := 2
	for _, rec := range records {
		items := rec.LineItems
		if len(items) == 0 {
			items = []invoice.LineItem{{}}
		}
		for _, item := range items {
			if err := writeRow(f, row, rec, item, len(rec.LineItems) > 0); err != nil {
				return nil, err
			}
			row++
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("serializing workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeRow(f *excelize.File, row int, rec *invoice.Record, item invoice.LineItem, hasItem bool) error {
	values := make([]any, 0, len(Columns))
	values = append(values, rec.FileName)
	for _, field := range invoice.HeaderFields {
		// Absent fields render blank.
		fv, _ := rec.Field(field)
		values = append(values, fv.Value)
	}
	values = append(values, rec.ReconciliationWarning)
	if hasItem {
		values = append(values, item.Description, item.Quantity, item.UnitPrice, item.Amount)
	} else {
		values = append(values, "", "", "", "")
	}
	values = append(values, rec.ParsedAt.Format("2006-01-02T15:04:05Z"))

	for i, v := range values {
		cell, err := excelize.CoordinatesToCellName(i+1, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheetName, cell, v); err != nil {
			return fmt.Errorf("writing row %d: %w", row, err)
		}
	}
	return nil
}
