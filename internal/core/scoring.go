package core

import "strings"

// Grade is the matcher's coarse lead classification.
type Grade string

// Lead grades.
const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
)

// PrimeBudget is the minimum budget for the budget half of an A grade.
const PrimeBudget = 2_000_000

// primeLocations is the fixed set of premium target locations.
var primeLocations = map[string]struct{}{
	"dubai marina":             {},
	"downtown dubai":           {},
	"palm jumeirah":            {},
	"business bay":             {},
	"jumeirah beach residence": {},
	"dubai hills estate":       {},
	"emirates hills":           {},
}

// IsPrimeLocation reports whether location is in the prime set, ignoring case
// and surrounding space.
func IsPrimeLocation(location string) bool {
	_, ok := primeLocations[strings.ToLower(strings.TrimSpace(location))]
	return ok
}

// ClassifyLead grades a lead: A when the budget reaches PrimeBudget and the
// target location is prime, B when exactly one holds, C otherwise.
func ClassifyLead(l Lead) Grade {
	rich := l.Budget >= PrimeBudget
	prime := IsPrimeLocation(l.TargetLocation)
	switch {
	case rich && prime:
		return GradeA
	case rich || prime:
		return GradeB
	default:
		return GradeC
	}
}

var statusPoints = map[LeadStatus]int{
	LeadNew:         10,
	LeadContacted:   20,
	LeadQualified:   35,
	LeadViewing:     45,
	LeadNegotiation: 60,
}

var sourcePoints = map[string]int{
	"referral": 15,
	"website":  10,
	"walk-in":  10,
	"social":   5,
}

const (
	completenessPoints = 10
	activityPoints     = 5
	activityCap        = 20
)

// ScoreLead returns a deterministic quality score in [0,100]. Closed leads
// score 100 and lost leads 0 regardless of the other inputs.
func ScoreLead(l Lead, activityCount int) int {
	switch l.Status {
	case LeadClosed:
		return 100
	case LeadLost:
		return 0
	}
	score := statusPoints[l.Status]
	if strings.TrimSpace(l.Email) != "" {
		score += completenessPoints
	}
	if strings.TrimSpace(l.Phone) != "" {
		score += completenessPoints
	}
	if l.Budget > 0 {
		score += completenessPoints
	}
	if activityCount > 0 {
		score += min(activityCount*activityPoints, activityCap)
	}
	score += sourcePoints[strings.ToLower(strings.TrimSpace(l.Source))]
	return max(0, min(score, 100))
}

// LeadScore scores a stored lead using its recorded activity count.
func (s *Store) LeadScore(id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.state.leads[id]
	if !ok {
		return 0, notFound(EntityLead, id)
	}
	return ScoreLead(l, countActivities(s.state.activities, id)), nil
}
