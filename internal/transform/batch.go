package transform

import "salesetl/internal/sales"

// Batch is the cleaned form of one input file.
type Batch struct {
	Accepted []sales.Sale
	Rejected []sales.Rejection

	// Distinct dimension values of Accepted, in first-seen order. The first
	// occurrence of a natural key supplies its attributes.
	Products  []sales.Product
	Retailers []sales.Retailer
	Dates     []sales.Date

	// Conflicts counts accepted rows whose product or retailer attributes
	// disagreed with the first occurrence of the same name.
	Conflicts int
}

// Summary counts rows by outcome.
type Summary struct {
	Total    int
	Accepted int
	Rejected int
	ByReason map[sales.Reason]int
}

func (b *Batch) Summary() Summary {
	s := Summary{
		Accepted: len(b.Accepted),
		Rejected: len(b.Rejected),
		ByReason: make(map[sales.Reason]int),
	}
	s.Total = s.Accepted + s.Rejected
	for _, r := range b.Rejected {
		s.ByReason[r.Reason]++
	}
	return s
}
