package core

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"estatecrm/pkg/domain"
)

// LeadCommissionRate is the share of a closed lead's budget paid as commission.
var LeadCommissionRate = decimal.RequireFromString("0.02")

var hundred = decimal.NewFromInt(100)

// LeadCommission returns budget × LeadCommissionRate rounded to cents.
func LeadCommission(budget float64) float64 {
	return decimal.NewFromFloat(budget).Mul(LeadCommissionRate).Round(2).InexactFloat64()
}

// PropertyCommission returns price × rate / 100 rounded to cents.
func PropertyCommission(price, ratePercent float64) float64 {
	return decimal.NewFromFloat(price).
		Mul(decimal.NewFromFloat(ratePercent)).
		Div(hundred).
		Round(2).
		InexactFloat64()
}

// formatAED renders an amount with thousands separators and at most two decimals.
func formatAED(amount float64) string {
	return "AED " + humanize.CommafWithDigits(amount, 2)
}

// applyLeadCommission keeps commission consistent with status: computed on the
// edge into Closed, kept while Closed, zeroed (with commissionPaid) otherwise.
// before is nil for creates.
func applyLeadCommission(before *Lead, after *Lead) {
	if after.Status != LeadClosed {
		after.Commission = 0
		after.CommissionPaid = false
		return
	}
	if before == nil || before.Status != LeadClosed {
		after.Commission = LeadCommission(after.Budget)
		after.CommissionPaid = false
	}
}

// applyPropertyCommission is the property analogue of applyLeadCommission and
// also maintains SoldAt.
func applyPropertyCommission(before *Property, after *Property, tx *transaction) {
	if after.Status != PropertySold {
		after.Commission = 0
		after.SoldAt = nil
		return
	}
	if before == nil || before.Status != PropertySold {
		after.Commission = PropertyCommission(after.Price, after.CommissionRate)
		now := tx.now
		after.SoldAt = &now
	}
}

// enteredLeadStatus reports whether the change moves a lead into status.
func enteredLeadStatus(c Change, status LeadStatus) (Lead, bool) {
	if c.Entity != EntityLead {
		return Lead{}, false
	}
	after, ok := c.After.(Lead)
	if !ok || after.Status != status {
		return Lead{}, false
	}
	if before, ok := c.Before.(Lead); ok && before.Status == status {
		return Lead{}, false
	}
	return after, true
}

func enteredPropertyStatus(c Change, status PropertyStatus) (Property, bool) {
	if c.Entity != EntityProperty {
		return Property{}, false
	}
	after, ok := c.After.(Property)
	if !ok || after.Status != status {
		return Property{}, false
	}
	if before, ok := c.Before.(Property); ok && before.Status == status {
		return Property{}, false
	}
	return after, true
}

type leadCommissionEffect struct{}

// LeadCommissionEffect credits the assigned member once per transition of a
// lead into Closed and notifies them of the commission.
func LeadCommissionEffect() Effect { return leadCommissionEffect{} }

func (leadCommissionEffect) Name() string { return "lead-commission" }

func (leadCommissionEffect) Evaluate(_ context.Context, view domain.EffectView, changes []Change) (Outcome, error) {
	var out Outcome
	for _, c := range changes {
		lead, ok := enteredLeadStatus(c, LeadClosed)
		if !ok {
			continue
		}
		out.Revenue.ClosedDeals++
		out.Revenue.TotalSales += lead.Budget
		out.Revenue.TotalCommission += lead.Commission
		recipient := lead.AssignedTo
		if recipient != "" {
			out.Credits = append(out.Credits, domain.Credit{MemberID: recipient, Sales: lead.Budget, Commission: lead.Commission})
		} else {
			recipient = view.Actor().ID
		}
		out.Notifications = append(out.Notifications, domain.NotificationIntent{
			UserID:        recipient,
			Text:          fmt.Sprintf("Deal closed: %s. Commission %s", lead.Name, formatAED(lead.Commission)),
			RefCollection: EntityLead,
			RefID:         lead.ID,
		})
	}
	return out, nil
}

type propertyCommissionEffect struct{}

// PropertyCommissionEffect credits the listing agent once per transition of a
// property into Sold.
func PropertyCommissionEffect() Effect { return propertyCommissionEffect{} }

func (propertyCommissionEffect) Name() string { return "property-commission" }

func (propertyCommissionEffect) Evaluate(_ context.Context, view domain.EffectView, changes []Change) (Outcome, error) {
	var out Outcome
	for _, c := range changes {
		p, ok := enteredPropertyStatus(c, PropertySold)
		if !ok {
			continue
		}
		out.Revenue.PropertiesSold++
		out.Revenue.TotalSales += p.Price
		out.Revenue.TotalCommission += p.Commission
		recipient := p.AgentID
		if recipient != "" {
			out.Credits = append(out.Credits, domain.Credit{MemberID: recipient, Sales: p.Price, Commission: p.Commission})
		} else {
			recipient = view.Actor().ID
		}
		out.Notifications = append(out.Notifications, domain.NotificationIntent{
			UserID:        recipient,
			Text:          fmt.Sprintf("Property sold: %s. Commission %s", p.Name, formatAED(p.Commission)),
			RefCollection: EntityProperty,
			RefID:         p.ID,
		})
		out.Audit = append(out.Audit, domain.AuditIntent{
			Action:   domain.AuditPropertySold,
			TargetID: p.ID,
			Details: map[string]any{
				"price":      p.Price,
				"commission": p.Commission,
				"agentId":    p.AgentID,
			},
		})
	}
	return out, nil
}
