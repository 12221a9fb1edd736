package core_test

import (
	"testing"

	"estatecrm/internal/core"
	"estatecrm/pkg/domain"
)

func TestScoreLead(t *testing.T) {
	full := domain.Lead{Email: "a@b.c", Phone: "1", Budget: 1, Source: "Referral", Status: domain.LeadNegotiation}
	cases := []struct {
		name       string
		lead       domain.Lead
		activities int
		want       int
	}{
		{"closed forces 100", domain.Lead{Status: domain.LeadClosed}, 0, 100},
		{"lost forces 0", withStatus(full, domain.LeadLost), 50, 0},
		{"bare new lead", domain.Lead{Status: domain.LeadNew}, 0, 10},
		{"completeness counts", domain.Lead{Status: domain.LeadNew, Email: "x@y.z", Phone: "2", Budget: 10}, 0, 40},
		{"activities capped", domain.Lead{Status: domain.LeadNew}, 10, 30},
		{"source is case insensitive", domain.Lead{Status: domain.LeadNew, Source: "WEBSITE"}, 0, 20},
		{"clamped at 100", full, 10, 100},
		{"trash scores nothing for status", domain.Lead{Status: domain.LeadTrash}, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := core.ScoreLead(tc.lead, tc.activities); got != tc.want {
				t.Fatalf("ScoreLead = %d, want %d", got, tc.want)
			}
		})
	}
}

func withStatus(l domain.Lead, s domain.LeadStatus) domain.Lead {
	l.Status = s
	return l
}

func TestClassifyLead(t *testing.T) {
	cases := []struct {
		budget   float64
		location string
		want     core.Grade
	}{
		{2_000_000, "Dubai Marina", core.GradeA},
		{5_000_000, "  downtown DUBAI ", core.GradeA},
		{1_999_999, "Palm Jumeirah", core.GradeB},
		{3_000_000, "Al Nahda", core.GradeB},
		{100, "Al Nahda", core.GradeC},
		{100, "", core.GradeC},
	}
	for _, tc := range cases {
		got := core.ClassifyLead(domain.Lead{Budget: tc.budget, TargetLocation: tc.location})
		if got != tc.want {
			t.Fatalf("ClassifyLead(%v, %q) = %s, want %s", tc.budget, tc.location, got, tc.want)
		}
	}
}

func TestMatchesProperty(t *testing.T) {
	lead := domain.Lead{Status: domain.LeadViewing, Budget: 2_500_000, MaxBudget: 3_000_000, TargetLocation: "Business Bay"}
	prop := domain.Property{Location: "Executive Towers, business bay", Price: 3_000_000}
	if !core.MatchesProperty(lead, prop) {
		t.Fatalf("expected match")
	}
	over := prop
	over.Price = 3_000_001
	if core.MatchesProperty(lead, over) {
		t.Fatalf("price above maxBudget must not match")
	}
	if core.MatchesProperty(withStatus(lead, domain.LeadLost), prop) {
		t.Fatalf("lost leads must not match")
	}
	elsewhere := prop
	elsewhere.Location = "JVC"
	if core.MatchesProperty(lead, elsewhere) {
		t.Fatalf("location mismatch must not match")
	}
}

func TestCommissionArithmetic(t *testing.T) {
	if got := core.LeadCommission(3_000_000); got != 60000 {
		t.Fatalf("LeadCommission = %v", got)
	}
	if got := core.LeadCommission(1_234_567.89); got != 24691.36 {
		t.Fatalf("LeadCommission rounding = %v", got)
	}
	if got := core.PropertyCommission(5_000_000, 2.5); got != 125000 {
		t.Fatalf("PropertyCommission = %v", got)
	}
}
