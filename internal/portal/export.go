package portal

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/xuri/excelize/v2"

	"github.com/invosync/invosync/internal/models"
)

const (
	exportMaxAttempts = 3
	// exportRateLimitCooldown is deliberately longer than fetch backoff:
	// the export endpoint is expensive server-side and recovers slowly.
	exportRateLimitCooldown = 30 * time.Second
	exportRetryDelay        = 3 * time.Second
)

// ExportService downloads the portal's spreadsheet export for a (flow,
// status) pass and parses it into invoices. Used as the alternate discovery
// strategy when the list API misbehaves or returns nothing.
type ExportService struct {
	client *Client
	logger *slog.Logger
}

// NewExportService creates an export service over the portal client.
func NewExportService(client *Client, logger *slog.Logger) *ExportService {
	return &ExportService{client: client, logger: logger}
}

// ExportInvoices downloads and parses one (flow, status) export. status < 0
// means no processing-status filter. Rate limits get a long cooldown within
// a bounded attempt budget; a rejected session is terminal for the export.
func (s *ExportService) ExportInvoices(ctx context.Context, session *models.Session, flow models.FlowType, status int, dr models.DateRange) ([]models.Invoice, error) {
	path := flowListPath(flow) + "/export"

	query := url.Values{}
	query.Set("from", dr.Start.Format("2006-01-02") + "T00:00:00")
	query.Set("to", dr.End.Format("2006-01-02") + "T23:59:59")
	if status >= 0 {
		query.Set("status", strconv.Itoa(status))
	}

	var lastErr error
	for attempt := 1; attempt <= exportMaxAttempts; attempt++ {
		data, err := s.client.Download(ctx, session, path, query)
		if err == nil {
			return s.parseWorkbook(data, flow, status)
		}

		if IsAuthExpired(err) {
			return nil, err
		}
		lastErr = err

		delay := exportRetryDelay
		if IsRateLimited(err) {
			delay = exportRateLimitCooldown
		}
		s.logger.Warn("export download failed",
			"flow", flow,
			"attempt", attempt,
			"retry_in", delay,
			"error", err)

		if attempt == exportMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("export failed after %d attempts: %w", exportMaxAttempts, lastErr)
}

// exportColumns maps header labels (lowercased, trimmed) to invoice fields.
var exportColumns = map[string]string{
	"invoice number":  "number",
	"invoice date":    "date",
	"seller name":     "seller_name",
	"seller tax code": "seller_tax_code",
	"buyer name":      "buyer_name",
	"buyer tax code":  "buyer_tax_code",
	"total amount":    "amount",
	"tax amount":      "tax_amount",
	"invoice code":    "invoice_code",
	"template code":   "template_code",
}

func (s *ExportService) parseWorkbook(data []byte, flow models.FlowType, status int) ([]models.Invoice, error) {
	wb, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("export is not a readable workbook: %w", err)
	}
	defer wb.Close()

	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("export workbook has no sheets")
	}

	rows, err := wb.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read export sheet: %w", err)
	}

	headerIdx, columns := locateHeader(rows)
	if headerIdx < 0 {
		return nil, fmt.Errorf("export sheet has no recognizable header row")
	}

	var invoices []models.Invoice
	skipped := 0
	for _, row := range rows[headerIdx+1:] {
		inv, ok := rowToInvoice(row, columns, flow, status)
		if !ok {
			skipped++
			continue
		}
		invoices = append(invoices, inv)
	}

	if skipped > 0 {
		s.logger.Debug("skipped unparseable export rows",
			"flow", flow,
			"skipped", skipped,
			"parsed", len(invoices))
	}
	return invoices, nil
}

// locateHeader scans the leading rows for the one that looks like a header:
// exports carry title and filter rows above the actual table.
func locateHeader(rows [][]string) (int, map[int]string) {
	limit := len(rows)
	if limit > 15 {
		limit = 15
	}

	for i := 0; i < limit; i++ {
		columns := make(map[int]string)
		for col, cell := range rows[i] {
			label := strings.ToLower(strings.TrimSpace(cell))
			if field, ok := exportColumns[label]; ok {
				columns[col] = field
			}
		}
		// A real header names at least the invoice number and one more
		// known column.
		if len(columns) >= 2 && hasField(columns, "number") {
			return i, columns
		}
	}
	return -1, nil
}

func hasField(columns map[int]string, field string) bool {
	for _, f := range columns {
		if f == field {
			return true
		}
	}
	return false
}

func rowToInvoice(row []string, columns map[int]string, flow models.FlowType, status int) (models.Invoice, bool) {
	inv := models.Invoice{
		FlowType: flow,
		Meta: models.InvoiceMeta{
			EndpointKind: models.EndpointKindForFlow(flow),
			Source:       "export",
		},
	}
	if status >= 0 {
		inv.Meta.ProcessingStatus = strconv.Itoa(status)
	}

	for col, field := range columns {
		if col >= len(row) {
			continue
		}
		value := strings.TrimSpace(row[col])
		switch field {
		case "number":
			inv.Number = value
		case "date":
			inv.Date = value
		case "seller_name":
			inv.SupplierName = value
		case "seller_tax_code":
			inv.SupplierTaxCode = value
		case "buyer_name":
			inv.Meta.BuyerName = value
		case "buyer_tax_code":
			inv.Meta.BuyerTaxCode = value
		case "amount":
			inv.Amount = parseExportNumber(value)
		case "tax_amount":
			inv.TaxAmount = parseExportNumber(value)
		case "invoice_code":
			inv.Meta.InvoiceCode = value
		case "template_code":
			inv.Meta.TemplateCode = value
		}
	}

	if inv.Number == "" {
		return models.Invoice{}, false
	}
	inv.ID = fmt.Sprintf("%s-%s-%s", inv.SupplierTaxCode, inv.Meta.TemplateCode, inv.Number)
	return inv, true
}

// parseExportNumber tolerates thousands separators in exported amounts.
func parseExportNumber(value string) float64 {
	cleaned := strings.ReplaceAll(value, ",", "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return 0
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return f
}
