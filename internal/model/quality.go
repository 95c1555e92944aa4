package model

// QualityResult is the checker's verdict for one test over one grant set.
// Count is the number of grants failing the test.
type QualityResult struct {
	Heading    string  `json:"heading,omitempty"`
	Count      int64   `json:"count"`
	Percentage float64 `json:"percentage,omitempty"`
	Fail       bool    `json:"fail,omitempty"`
}

// Quality maps checker test names to their results. It is stored verbatim
// per SourceFile as produced by the external checker.
type Quality map[string]QualityResult

// Failing returns the failing-grant count for a test; unknown tests count 0.
func (q Quality) Failing(test string) int64 {
	if q == nil {
		return 0
	}
	return q[test].Count
}

// CurrencyAggregate holds count/total/min/max/avg for one currency.
type CurrencyAggregate struct {
	Count       int64   `json:"count"`
	TotalAmount float64 `json:"total_amount"`
	MinAmount   float64 `json:"min_amount"`
	MaxAmount   float64 `json:"max_amount"`
	AvgAmount   float64 `json:"avg_amount"`
}

// Add folds one amount in. Avg is always recomputed as Total/Count.
func (c *CurrencyAggregate) Add(amount float64) {
	if c.Count == 0 || amount < c.MinAmount {
		c.MinAmount = amount
	}
	if c.Count == 0 || amount > c.MaxAmount {
		c.MaxAmount = amount
	}
	c.Count++
	c.TotalAmount += amount
	c.AvgAmount = c.TotalAmount / float64(c.Count)
}

// Merge folds another bucket in, keeping Avg exact.
func (c *CurrencyAggregate) Merge(o CurrencyAggregate) {
	if o.Count == 0 {
		return
	}
	if c.Count == 0 || o.MinAmount < c.MinAmount {
		c.MinAmount = o.MinAmount
	}
	if c.Count == 0 || o.MaxAmount > c.MaxAmount {
		c.MaxAmount = o.MaxAmount
	}
	c.Count += o.Count
	c.TotalAmount += o.TotalAmount
	c.AvgAmount = c.TotalAmount / float64(c.Count)
}

// Aggregate is the checker's aggregate blob for one grant set.
type Aggregate struct {
	Count                int64                        `json:"count"`
	RecipientOrgIDs      []string                     `json:"distinct_recipient_org_identifier,omitempty"`
	FunderOrgIDs         []string                     `json:"distinct_funding_org_identifier,omitempty"`
	RecipientIndividuals int64                        `json:"recipient_individuals_count"`
	RecipientOrgPrefixes map[string]int64             `json:"recipient_org_id_prefixes,omitempty"`
	MinAwardDate         string                       `json:"min_award_date,omitempty"`
	MaxAwardDate         string                       `json:"max_award_date,omitempty"`
	Currencies           map[string]CurrencyAggregate `json:"currencies,omitempty"`
	AwardYears           map[string]int64             `json:"award_years,omitempty"`
}
