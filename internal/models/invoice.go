package models

import "time"

// FlowType identifies a category of invoice data on the portal. Each flow is
// served by a distinct upstream endpoint.
type FlowType string

const (
	FlowSoldElectronic     FlowType = "sold_electronic"
	FlowSoldPOS            FlowType = "sold_pos"
	FlowPurchaseElectronic FlowType = "purchase_electronic"
	FlowPurchasePOS        FlowType = "purchase_pos"
)

// DefaultFlows are the flows imported when a run does not name its own.
func DefaultFlows() []FlowType {
	return []FlowType{FlowSoldElectronic, FlowPurchaseElectronic}
}

// IsPurchase reports whether the flow belongs to the purchase category.
// Purchase flows are the only ones filtered by processing status upstream.
func (f FlowType) IsPurchase() bool {
	return f == FlowPurchaseElectronic || f == FlowPurchasePOS
}

// IsPOS reports whether the flow covers point-of-sale invoices, which live
// behind the portal's separate POS endpoint family.
func (f FlowType) IsPOS() bool {
	return f == FlowSoldPOS || f == FlowPurchasePOS
}

// EndpointKind selects which portal endpoint family serves an invoice.
type EndpointKind string

const (
	EndpointStandard EndpointKind = "query"
	EndpointPOS      EndpointKind = "sco-query"
)

// EndpointKindForFlow maps a flow to the endpoint family that serves it.
func EndpointKindForFlow(flow FlowType) EndpointKind {
	if flow.IsPOS() {
		return EndpointPOS
	}
	return EndpointStandard
}

// PurchaseProcessingStatuses enumerates the portal-side processing stages
// queried for purchase flows. Other flows take a single unfiltered pass.
var PurchaseProcessingStatuses = []int{5, 6, 8}

// InvoiceMeta carries the upstream fields the fetch phase needs to build a
// detail request, plus an open map for anything the portal returns that we
// do not classify.
type InvoiceMeta struct {
	EndpointKind     EndpointKind      `json:"endpoint_kind"`
	InvoiceCode      string            `json:"invoice_code"`
	TemplateCode     string            `json:"template_code"`
	ProcessingStatus string            `json:"processing_status,omitempty"`
	Source           string            `json:"source,omitempty"`
	BuyerName        string            `json:"buyer_name,omitempty"`
	BuyerTaxCode     string            `json:"buyer_tax_code,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// Invoice is one invoice discovered on the portal. Instances are created by
// discovery and read-only afterward.
type Invoice struct {
	ID              string      `json:"invoice_id"`
	Number          string      `json:"invoice_number"`
	Date            string      `json:"invoice_date"`
	FlowType        FlowType    `json:"flow_type"`
	Amount          float64     `json:"amount"`
	TaxAmount       float64     `json:"tax_amount"`
	SupplierName    string      `json:"supplier_name"`
	SupplierTaxCode string      `json:"supplier_tax_code"`
	Meta            InvoiceMeta `json:"metadata"`
}

// DateRange is an inclusive day-granularity date span.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// String renders the range as "YYYY-MM-DD..YYYY-MM-DD".
func (r DateRange) String() string {
	return r.Start.Format("2006-01-02") + ".." + r.End.Format("2006-01-02")
}

// DiscoveryResult is the outcome of discovering one chunk. FailedFlows
// records flows that errored without poisoning the successful ones.
type DiscoveryResult struct {
	CompanyID   string     `json:"company_id"`
	DateRange   DateRange  `json:"date_range"`
	Flows       []FlowType `json:"flows"`
	Invoices    []Invoice  `json:"invoices"`
	RawCount    int        `json:"raw_count"`
	FailedFlows []FlowType `json:"failed_flows,omitempty"`
}

// FetchResult is the outcome of fetching one invoice's detail. Exactly one
// is produced per discovered invoice; a successful retry replaces the failed
// slot in place.
type FetchResult struct {
	InvoiceID string         `json:"invoice_id"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Err       string         `json:"error,omitempty"`
}
