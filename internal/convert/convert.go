// Package convert turns a canonical product link into an affiliate link.
package convert

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Converter produces the affiliate link for one canonical input link.
type Converter interface {
	Convert(ctx context.Context, link string) (string, error)
}

// DefaultMarket is used when the input host carries no market suffix.
const DefaultMarket = "vn"

// AffiliateRedirect builds tracking links locally without calling out.
type AffiliateRedirect struct {
	affiliateID string
	subID       string
}

// NewAffiliateRedirect validates the affiliate id and returns a converter.
func NewAffiliateRedirect(affiliateID, subID string) (*AffiliateRedirect, error) {
	affiliateID = strings.TrimSpace(affiliateID)
	if affiliateID == "" {
		return nil, errors.New("affiliate id is required")
	}
	return &AffiliateRedirect{affiliateID: affiliateID, subID: strings.TrimSpace(subID)}, nil
}

// Convert wraps link in an /an_redir tracking URL on the matching market host.
func (a *AffiliateRedirect) Convert(_ context.Context, link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("cannot convert %q: not an absolute link", link)
	}
	q := url.Values{}
	q.Set("origin_link", link)
	q.Set("affiliate_id", a.affiliateID)
	if a.subID != "" {
		q.Set("sub_id", a.subID)
	}
	out := url.URL{
		Scheme:   "https",
		Host:     "s.shopee." + market(u.Hostname()),
		Path:     "/an_redir",
		RawQuery: q.Encode(),
	}
	return out.String(), nil
}

// market extracts the suffix after "shopee." from a market host such as
// shopee.co.th or m.shopee.vn.
func market(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	_, suffix, found := strings.Cut(host, "shopee.")
	if !found || suffix == "" {
		return DefaultMarket
	}
	return suffix
}
