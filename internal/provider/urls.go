package provider

import (
	"errors"
	"regexp"
	"strconv"

	"github.com/crawlgrid/crawlgrid/internal/crawl"
)

var (
	productIDPattern = regexp.MustCompile(`/listing/(\d+)`)
	shopNamePattern  = regexp.MustCompile(`/shop/([A-Za-z0-9_-]+)`)
)

// ProductIDFromURL extracts the numeric listing id from a product URL.
// A URL that does not match the fixed pattern is a caller bug and fails
// immediately; it never enters a retry path.
func ProductIDFromURL(rawURL string) (int64, error) {
	m := productIDPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return 0, crawl.NewStructural("parse product url",
			errors.New("url does not contain a listing id: "+rawURL))
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, crawl.NewStructural("parse product url", err)
	}
	return id, nil
}

// ShopNameFromURL extracts the shop slug from a storefront URL.
func ShopNameFromURL(rawURL string) (string, error) {
	m := shopNamePattern.FindStringSubmatch(rawURL)
	if m == nil {
		return "", crawl.NewStructural("parse shop url",
			errors.New("url does not contain a shop name: "+rawURL))
	}
	return m[1], nil
}

// CanHandle reports whether a URL matches one of the provider's fixed
// patterns. Used for agent auto-detection.
func CanHandle(rawURL string) bool {
	return productIDPattern.MatchString(rawURL) || shopNamePattern.MatchString(rawURL)
}
