package orders

import "strings"

const (
	KindBasket = "basket"
	KindOrder  = "order"
)

// ParseReference splits a checkout reference such as "order_42" into its
// kind and ID. Anything other than exactly "<basket|order>_<id>" is invalid.
func ParseReference(reference string) (kind, id string, ok bool) {
	parts := strings.Split(reference, "_")
	if len(parts) != 2 || parts[1] == "" {
		return "", "", false
	}
	if parts[0] != KindBasket && parts[0] != KindOrder {
		return "", "", false
	}
	return parts[0], parts[1], true
}
