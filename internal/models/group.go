package models

// RelayGroup is a named, user-owned relay set. Kind is 0 for a local-only
// group, 10002 for the NIP-65 relay list and 30002 for a NIP-51 relay set.
type RelayGroup struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Relays      []RelayDescriptor `json:"relays"`
	Timestamp   int64             `json:"timestamp"`
	Kind        int               `json:"kind,omitempty"`
	Changed     bool              `json:"changed"`
}

// RelayURLs returns the group's relay URLs in order.
func (g RelayGroup) RelayURLs() []string {
	out := make([]string, 0, len(g.Relays))
	for _, r := range g.Relays {
		out = append(out, r.URL)
	}
	return out
}

// IndexOf returns the position of url in the group, or -1.
func (g RelayGroup) IndexOf(url string) int {
	n := NormalizeURL(url)
	for i, r := range g.Relays {
		if NormalizeURL(r.URL) == n {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy.
func (g RelayGroup) Clone() RelayGroup {
	c := g
	c.Relays = append([]RelayDescriptor(nil), g.Relays...)
	return c
}
