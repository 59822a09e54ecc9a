package invoice

import "sort"

// Cost model behind the processing analytics: minutes to key one invoice
// in by hand vs through the pipeline, at a loaded hourly rate.
const (
	manualMinutesPerInvoice    = 3.5
	automatedMinutesPerInvoice = 0.5
	hourlyRate                 = 30.0
)

// VendorSpend aggregates spend across one vendor's invoices.
type VendorSpend struct {
	Vendor   string  `json:"vendor"`
	Total    float64 `json:"total"`
	Invoices int     `json:"invoices"`
}

// Analytics summarizes a set of parsed records: spend totals, a per-vendor
// breakdown and the time and cost saved against manual keying.
type Analytics struct {
	TotalInvoices       int           `json:"total_invoices_processed"`
	TotalSpend          float64       `json:"total_spend"`
	SpendByVendor       []VendorSpend `json:"spend_by_vendor"`
	ShippingCosts       float64       `json:"shipping_costs"`
	AverageDiscountRate float64       `json:"average_discount_rate"`
	TimeSavedHours      float64       `json:"time_saved_hours"`
	CostSavings         float64       `json:"cost_savings"`
	EfficiencyGain      float64       `json:"efficiency_gain"`
}

// Summarize computes analytics over records. Records without a vendor are
// grouped under "Unknown"; absent or non-numeric amounts count as zero.
// The vendor breakdown is ordered by total spend descending.
func Summarize(records []*Record) Analytics {
	a := Analytics{
		TotalInvoices:  len(records),
		SpendByVendor:  []VendorSpend{},
		EfficiencyGain: manualMinutesPerInvoice / automatedMinutesPerInvoice * 100,
	}

	byVendor := make(map[string]*VendorSpend)
	var totalDiscounts float64
	discounted := 0
	for _, r := range records {
		total, _ := r.Amount(FieldTotalAmount)
		shipping, _ := r.Amount(FieldShippingAmount)
		discount, _ := r.Amount(FieldDiscountAmount)

		vendor := "Unknown"
		if fv, ok := r.Field(FieldVendor); ok && fv.Value != "" {
			vendor = fv.Value
		}
		vs, ok := byVendor[vendor]
		if !ok {
			vs = &VendorSpend{Vendor: vendor}
			byVendor[vendor] = vs
		}
		vs.Total += total
		vs.Invoices++

		a.TotalSpend += total
		a.ShippingCosts += shipping
		if discount > 0 {
			totalDiscounts += discount
			discounted++
		}
	}

	if discounted > 0 && a.TotalSpend > 0 {
		a.AverageDiscountRate = totalDiscounts / a.TotalSpend * 100
	}

	for _, vs := range byVendor {
		a.SpendByVendor = append(a.SpendByVendor, *vs)
	}
	sort.Slice(a.SpendByVendor, func(i, j int) bool {
		if a.SpendByVendor[i].Total != a.SpendByVendor[j].Total {
			return a.SpendByVendor[i].Total > a.SpendByVendor[j].Total
		}
		return a.SpendByVendor[i].Vendor < a.SpendByVendor[j].Vendor
	})

	savedMinutes := (manualMinutesPerInvoice - automatedMinutesPerInvoice) * float64(len(records))
	a.TimeSavedHours = savedMinutes / 60
	a.CostSavings = a.TimeSavedHours * hourlyRate
	return a
}
