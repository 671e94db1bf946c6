package dashboard

import (
	"time"
)

// Kind identifies one of the presentational dashboards.
type Kind string

const (
	KindFinancial     Kind = "financial"
	KindEcommerce     Kind = "ecommerce"
	KindManufacturing Kind = "manufacturing"
	KindHealthcare    Kind = "healthcare"
	KindMarketing     Kind = "marketing"
)

// Valid reports whether k is one of the defined dashboard kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindFinancial, KindEcommerce, KindManufacturing, KindHealthcare, KindMarketing:
		return true
	}
	return false
}

// Kinds lists all defined dashboard kinds.
func Kinds() []Kind {
	return []Kind{KindFinancial, KindEcommerce, KindManufacturing, KindHealthcare, KindMarketing}
}

// Point is one metric observation.
type Point struct {
	Period time.Time `json:"period"`
	Value  float64   `json:"value"`
}

// Series is a named sequence of observations, one chart line.
type Series struct {
	Label  string  `json:"label"`
	Points []Point `json:"points"`
}

// Dashboard is the full payload for one dashboard view of one
// organization, rendered client-side.
type Dashboard struct {
	OrgID       string    `json:"org_id"`
	Kind        Kind      `json:"kind"`
	Series      []Series  `json:"series"`
	GeneratedAt time.Time `json:"generated_at"`
}
