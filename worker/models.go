package worker

// Summary is the offering worker as shown next to an offer or an assignment.
type Summary struct {
	ID           int64
	Name         string
	Organization string
	Email        string
	Phone        string
}

// DisplayName prefers the organization over the personal name.
func (s Summary) DisplayName() string {
	if s.Organization != "" {
		return s.Organization
	}
	return s.Name
}

// PortfolioItem is one product a worker quotes on.
type PortfolioItem struct {
	ProductID   int64
	ProductName string
	Price       float64
}

// Product is a catalog entry referenced by applications and portfolios.
type Product struct {
	ID            int64
	ProductTypeID *int64
	Name          string
}
