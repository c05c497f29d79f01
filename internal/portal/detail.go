package portal

import (
	"context"
	"net/url"

	"log/slog"

	"github.com/invosync/invosync/internal/models"
)

// DetailService fetches the full detail record for a single invoice.
type DetailService struct {
	client *Client
	logger *slog.Logger
}

// NewDetailService creates a detail service over the portal client.
func NewDetailService(client *Client, logger *slog.Logger) *DetailService {
	return &DetailService{client: client, logger: logger}
}

// FetchDetail retrieves one invoice's detail payload. The request is built
// from the invoice's typed metadata; if any identifying field is missing the
// invoice is reported as MissingParametersError and nothing is sent upstream.
func (s *DetailService) FetchDetail(ctx context.Context, session *models.Session, inv models.Invoice) (map[string]any, error) {
	if missing := missingDetailParams(inv); len(missing) > 0 {
		return nil, &MissingParametersError{InvoiceID: inv.ID, Missing: missing}
	}

	path := "/" + string(inv.Meta.EndpointKind) + "/invoices/detail"

	query := url.Values{}
	query.Set("seller_tax_code", inv.SupplierTaxCode)
	query.Set("invoice_code", inv.Meta.InvoiceCode)
	query.Set("invoice_number", inv.Number)
	query.Set("template_code", inv.Meta.TemplateCode)

	var detail map[string]any
	if err := s.client.GetJSON(ctx, session, path, query, &detail); err != nil {
		return nil, err
	}
	return detail, nil
}

func missingDetailParams(inv models.Invoice) []string {
	var missing []string
	if inv.SupplierTaxCode == "" {
		missing = append(missing, "seller_tax_code")
	}
	if inv.Meta.InvoiceCode == "" {
		missing = append(missing, "invoice_code")
	}
	if inv.Number == "" {
		missing = append(missing, "invoice_number")
	}
	if inv.Meta.TemplateCode == "" {
		missing = append(missing, "template_code")
	}
	return missing
}
