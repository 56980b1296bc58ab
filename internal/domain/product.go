package domain

// Product is a catalog entry.
type Product struct {
	ID       string  `dynamodbav:"productId"`
	Name     string  `dynamodbav:"name"`
	Price    float64 `dynamodbav:"price"`
	Stock    int     `dynamodbav:"stock"`
	ImageURL string  `dynamodbav:"imageUrl,omitempty"`
	Category string  `dynamodbav:"category,omitempty"`
}

// InStock reports whether at least one unit is available.
func (p Product) InStock() bool {
	return p.Stock > 0
}
