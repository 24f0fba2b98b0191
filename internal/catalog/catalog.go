// Package catalog lists the services a member can pay for.
package catalog

import (
	"strings"

	"tg_member_bot/internal/domain"
)

// Item is a purchasable service with the short code used in callback data.
type Item struct {
	Code    string
	Service domain.Service
}

// Catalog is an ordered, read-only list of items.
type Catalog struct {
	items []Item
}

// New builds a catalogue from items, keeping their order.
func New(items ...Item) *Catalog {
	return &Catalog{items: append([]Item(nil), items...)}
}

// Default returns the built-in offering.
func Default() *Catalog {
	return New(
		Item{Code: "signals", Service: domain.Service{
			Name:         "Signals",
			Price:        80,
			Description:  "Daily trade signals in the members group",
			DurationDays: 30,
		}},
		Item{Code: "mentorship", Service: domain.Service{
			Name:         "Mentorship",
			Price:        250,
			Description:  "Signals plus weekly live mentorship sessions",
			DurationDays: 30,
		}},
		Item{Code: "course", Service: domain.Service{
			Name:         "Trading Course",
			Price:        150,
			Description:  "Full video course with 90 days of group access",
			DurationDays: 90,
		}},
	)
}

// Items returns a copy of the catalogue.
func (c *Catalog) Items() []Item {
	return append([]Item(nil), c.items...)
}

// Lookup finds an item by code, case-insensitively.
func (c *Catalog) Lookup(code string) (Item, bool) {
	code = strings.ToLower(strings.TrimSpace(code))
	for _, item := range c.items {
		if item.Code == code {
			return item, true
		}
	}
	return Item{}, false
}
