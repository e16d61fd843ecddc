package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"evrpos/internal/domain"
)

const (
	DateLayout  = "2006-01-02 15:04:05"
	ContentCSV  = "text/csv; charset=utf-8"
	ContentXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	sheetName = "Sheet1"
)

var HistoryHeader = []string{
	"Invoice", "Date", "Customer", "Items", "Subtotal", "Discount %", "Discount Amount",
	"Total", "Cash", "Change", "Reason", "Payment Method", "Ref No",
}

var templateRows = [][]string{
	{"code", "name", "brand", "price", "stock"},
	{"1001", "Dog Food 3kg", "Pedigree", "540", "20"},
	{"1002", "Cat Food 500g", "Whiskas", "95", "35"},
	{"1003", "Anti-Tick Shampoo 250ml", "PetShield", "180", "12"},
}

// ItemsCell renders the line items of a record as "[brand] name (xqty)" joined by " | ".
func ItemsCell(items []domain.TransactionItem) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		label := item.Name
		if item.Brand != "" {
			label = "[" + item.Brand + "] " + label
		}
		parts = append(parts, fmt.Sprintf("%s (x%d)", label, item.Quantity))
	}
	return strings.Join(parts, " | ")
}

func historyRow(record domain.TransactionRecord) []string {
	return []string{
		record.InvoiceID,
		record.Timestamp.Format(DateLayout),
		record.CustomerName,
		ItemsCell(record.Items),
		record.Subtotal.StringFixed(2),
		record.DiscountPercent.String(),
		record.DiscountAmount.StringFixed(2),
		record.Total.StringFixed(2),
		record.CashTendered.StringFixed(2),
		record.ChangeDue.StringFixed(2),
		record.Reason,
		string(record.PaymentMethod),
		record.ReferenceNumber,
	}
}

// WriteHistoryCSV writes one row per ledger entry with every field quoted.
func WriteHistoryCSV(w io.Writer, records []domain.TransactionRecord) error {
	if err := writeQuotedRow(w, HistoryHeader, false); err != nil {
		return err
	}
	for _, record := range records {
		if err := writeQuotedRow(w, historyRow(record), true); err != nil {
			return err
		}
	}
	return nil
}

func writeQuotedRow(w io.Writer, fields []string, quote bool) error {
	var b strings.Builder
	for i, field := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		if quote {
			b.WriteByte('"')
			b.WriteString(strings.ReplaceAll(field, `"`, `""`))
			b.WriteByte('"')
			continue
		}
		b.WriteString(field)
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

func WriteHistoryXLSX(w io.Writer, records []domain.TransactionRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	for i, h := range HistoryHeader {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return err
		}
	}

	for r, record := range records {
		row := r + 2
		values := []any{
			record.InvoiceID,
			record.Timestamp.Format(DateLayout),
			record.CustomerName,
			ItemsCell(record.Items),
			record.Subtotal.InexactFloat64(),
			record.DiscountPercent.InexactFloat64(),
			record.DiscountAmount.InexactFloat64(),
			record.Total.InexactFloat64(),
			record.CashTendered.InexactFloat64(),
			record.ChangeDue.InexactFloat64(),
			record.Reason,
			string(record.PaymentMethod),
			record.ReferenceNumber,
		}
		for c, v := range values {
			cell, err := excelize.CoordinatesToCellName(c+1, row)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheetName, cell, v); err != nil {
				return err
			}
		}
	}

	return f.Write(w)
}

// WriteProductsTemplate writes the import template with a few sample rows.
func WriteProductsTemplate(w io.Writer) error {
	for i, row := range templateRows {
		if i > 0 {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, strings.Join(row, ",")); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}
