// Package provider implements the rate-limited, retrying, proxy-aware
// client for marketplace provider APIs.
package provider

// Envelope is the common response wrapper: provider APIs return HTTP 200
// with a numeric error code, where zero means success.
type Envelope struct {
	ErrorCode    int    `json:"error"`
	ErrorMessage string `json:"error_msg,omitempty"`
}

func (e Envelope) apiError() (int, string) { return e.ErrorCode, e.ErrorMessage }

// apiResponse is satisfied by every typed response via the embedded Envelope.
type apiResponse interface {
	apiError() (int, string)
}

// Product is one marketplace listing.
type Product struct {
	Envelope
	ID          int64    `json:"product_id"`
	ShopID      int64    `json:"shop_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Price       string   `json:"price"`
	Currency    string   `json:"currency_code"`
	Quantity    int      `json:"quantity"`
	Tags        []string `json:"tags"`
	URL         string   `json:"url"`
}

// Review is one buyer review on a listing.
type Review struct {
	ID        int64  `json:"review_id"`
	ProductID int64  `json:"product_id"`
	Rating    int    `json:"rating"`
	Text      string `json:"review"`
	CreatedAt int64  `json:"created_at"`
}

// ReviewsPage is one page of reviews for a listing.
type ReviewsPage struct {
	Envelope
	Count   int      `json:"count"`
	Page    int      `json:"page"`
	Reviews []Review `json:"results"`
}

// SearchPage is one page of listing search results.
type SearchPage struct {
	Envelope
	Count    int       `json:"count"`
	Page     int       `json:"page"`
	Products []Product `json:"results"`
}

// Shop is a seller storefront.
type Shop struct {
	Envelope
	ID           int64  `json:"shop_id"`
	Name         string `json:"shop_name"`
	Title        string `json:"title"`
	ListingCount int    `json:"listing_active_count"`
	ReviewCount  int    `json:"review_count"`
	Rating       string `json:"review_average"`
	URL          string `json:"url"`
}
