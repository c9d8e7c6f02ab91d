package domain

import (
	"github.com/shopspring/decimal"
)

// Summary describes the revealed selections of a round.
type Summary struct {
	// Votes is the number of participants with a non-blank selection.
	Votes int `json:"votes"`
	// Numeric is the number of selections that parse as numbers.
	Numeric int `json:"numeric"`
	// Average of the numeric selections, rounded to two places. Zero when Numeric is zero.
	Average decimal.Decimal `json:"average"`
	// Consensus is true when every non-blank selection is the same.
	Consensus bool `json:"consensus"`
}

// Summarize computes the summary of the participants' current selections.
func Summarize(participants []Participant) Summary {
	var (
		sum   decimal.Decimal
		s     Summary
		first string
	)

	s.Consensus = true
	for _, p := range participants {
		if p.Points == "" {
			continue
		}

		s.Votes++
		if s.Votes == 1 {
			first = p.Points
		} else if p.Points != first {
			s.Consensus = false
		}

		d, err := decimal.NewFromString(p.Points)
		if err != nil {
			continue
		}
		s.Numeric++
		sum = sum.Add(d)
	}

	if s.Votes == 0 {
		s.Consensus = false
	}
	if s.Numeric > 0 {
		s.Average = sum.Div(decimal.NewFromInt(int64(s.Numeric))).Round(2)
	}

	return s
}
