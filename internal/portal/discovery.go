package portal

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"log/slog"

	"golang.org/x/time/rate"

	"github.com/invosync/invosync/internal/models"
)

const (
	listPageSize = 50
	// listMaxPages caps pagination so a buggy or adversarial continuation
	// token can never loop forever. 100 pages * 50 items is far beyond any
	// real single-flow day range.
	listMaxPages = 100

	// listPagesPerSecond paces successive page requests within one flow.
	listPagesPerSecond = 2
)

// flowListPath maps each flow to the list endpoint that serves it.
func flowListPath(flow models.FlowType) string {
	base := "/query"
	if flow.IsPOS() {
		base = "/sco-query"
	}
	if flow.IsPurchase() {
		return base + "/invoices/purchase"
	}
	return base + "/invoices/sold"
}

type listResponse struct {
	Items []map[string]any `json:"items"`
	Total int              `json:"total"`
	State string           `json:"state"`
}

// ListService walks the portal's paginated invoice list endpoints. One
// instance is shared across flows; the limiter spaces page requests so
// pagination itself does not trip the portal's rate limiting.
type ListService struct {
	client  *Client
	logger  *slog.Logger
	limiter *rate.Limiter
}

// NewListService creates a list service over the portal client.
func NewListService(client *Client, logger *slog.Logger) *ListService {
	return &ListService{
		client:  client,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(listPagesPerSecond), 1),
	}
}

// ListInvoices pulls every invoice for one (flow, status) pass over the date
// range. status < 0 means no processing-status filter. The continuation
// token is round-tripped verbatim; pagination stops when the portal omits
// it, returns a short page, or the running count reaches the server total.
func (s *ListService) ListInvoices(ctx context.Context, session *models.Session, flow models.FlowType, status int, dr models.DateRange) ([]models.Invoice, error) {
	path := flowListPath(flow)

	var invoices []models.Invoice
	token := ""
	total := -1

	for page := 0; page < listMaxPages; page++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		query := url.Values{}
		query.Set("from", dr.Start.Format("2006-01-02") + "T00:00:00")
		query.Set("to", dr.End.Format("2006-01-02") + "T23:59:59")
		query.Set("size", strconv.Itoa(listPageSize))
		if status >= 0 {
			query.Set("status", strconv.Itoa(status))
		}
		if token != "" {
			query.Set("state", token)
		}

		var resp listResponse
		if err := s.client.GetJSON(ctx, session, path, query, &resp); err != nil {
			return nil, err
		}

		for _, item := range resp.Items {
			invoices = append(invoices, mapInvoice(item, flow, status))
		}
		if resp.Total > 0 {
			total = resp.Total
		}

		s.logger.Debug("fetched invoice list page",
			"flow", flow,
			"page", page,
			"items", len(resp.Items),
			"total", total)

		if resp.State == "" || len(resp.Items) < listPageSize {
			return invoices, nil
		}
		if total >= 0 && len(invoices) >= total {
			return invoices, nil
		}
		token = resp.State
	}

	s.logger.Warn("pagination hit hard page ceiling",
		"flow", flow,
		"pages", listMaxPages,
		"collected", len(invoices))
	return invoices, nil
}

// Probe issues the cheapest possible authenticated request to verify a
// session is still accepted. Used by the session cache before reuse.
func (s *ListService) Probe(ctx context.Context, session *models.Session) error {
	query := url.Values{}
	query.Set("size", "1")

	var resp listResponse
	if err := s.client.GetJSON(ctx, session, flowListPath(models.FlowSoldElectronic), query, &resp); err != nil {
		if IsAuthExpired(err) {
			return err
		}
		// Anything else (rate limit, flaky network) does not prove the
		// session is dead.
		if IsRateLimited(err) {
			return nil
		}
		return err
	}
	return nil
}

// mapInvoice converts one raw portal list item to the internal model.
// Unrecognized string-valued fields land in Meta.Extra.
func mapInvoice(item map[string]any, flow models.FlowType, status int) models.Invoice {
	inv := models.Invoice{
		ID:              getString(item, "id"),
		Number:          getString(item, "invoice_number"),
		Date:            getString(item, "invoice_date"),
		FlowType:        flow,
		Amount:          getFloat(item, "total_amount"),
		TaxAmount:       getFloat(item, "tax_amount"),
		SupplierName:    getString(item, "seller_name"),
		SupplierTaxCode: getString(item, "seller_tax_code"),
		Meta: models.InvoiceMeta{
			EndpointKind: models.EndpointKindForFlow(flow),
			InvoiceCode:  getString(item, "invoice_code"),
			TemplateCode: getString(item, "template_code"),
			Source:       getString(item, "source"),
			BuyerName:    getString(item, "buyer_name"),
			BuyerTaxCode: getString(item, "buyer_tax_code"),
		},
	}
	if status >= 0 {
		inv.Meta.ProcessingStatus = strconv.Itoa(status)
	}
	if inv.ID == "" {
		// The portal has no single id field on some flows; fall back to a
		// composite that stays stable across repeat discoveries.
		inv.ID = fmt.Sprintf("%s-%s-%s", inv.SupplierTaxCode, inv.Meta.TemplateCode, inv.Number)
	}

	known := map[string]bool{
		"id": true, "invoice_number": true, "invoice_date": true,
		"total_amount": true, "tax_amount": true,
		"seller_name": true, "seller_tax_code": true,
		"invoice_code": true, "template_code": true, "source": true,
		"buyer_name": true, "buyer_tax_code": true,
	}
	for key, value := range item {
		if known[key] {
			continue
		}
		if str, ok := value.(string); ok && str != "" {
			if inv.Meta.Extra == nil {
				inv.Meta.Extra = make(map[string]string)
			}
			inv.Meta.Extra[key] = str
		}
	}

	return inv
}

func getString(item map[string]any, key string) string {
	if v, ok := item[key].(string); ok {
		return v
	}
	return ""
}

func getFloat(item map[string]any, key string) float64 {
	switch v := item[key].(type) {
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return 0
}
