// Package cart holds the optimistic cart projection.
//
// A Store is the single source of UI truth: every present Key has quantity
// of at least one, and an absent Key means zero. The Store applies changes
// immediately and a background goroutine writes the newest snapshot to
// storage, so no change waits on I/O. It does not talk to the order service. The coordinator package decides what to
// change and how to roll it back.
package cart

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// KeySeparator joins the item and variant parts of Key.String.
const KeySeparator = ":"

var (
	ErrEmptyItemID   = errors.New("cart: empty item id")
	ErrInvalidItemID = errors.New("cart: item id contains " + KeySeparator)
)

// Key addresses one cart line: an item and one of its variants.
// The zero Key is invalid; build keys with NewKey.
type Key struct {
	ItemID    string
	VariantID string
}

// NewKey trims and NFC-normalises both parts so that identifiers which look
// the same compare equal. VariantID may be empty for items without variants.
func NewKey(itemID, variantID string) (Key, error) {
	item := norm.NFC.String(strings.TrimSpace(itemID))
	variant := norm.NFC.String(strings.TrimSpace(variantID))
	if item == "" {
		return Key{}, ErrEmptyItemID
	}
	if strings.Contains(item, KeySeparator) {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidItemID, item)
	}
	return Key{ItemID: item, VariantID: variant}, nil
}

// MustKey is NewKey for literals; it panics on invalid input.
func MustKey(itemID, variantID string) Key {
	k, err := NewKey(itemID, variantID)
	if err != nil {
		panic(err)
	}
	return k
}

// ParseKey parses the "item:variant" form produced by String.
func ParseKey(s string) (Key, error) {
	item, variant, _ := strings.Cut(s, KeySeparator)
	return NewKey(item, variant)
}

func (k Key) String() string {
	return k.ItemID + KeySeparator + k.VariantID
}

// IsZero reports whether k is the zero Key.
func (k Key) IsZero() bool {
	return k.ItemID == "" && k.VariantID == ""
}

// Less orders keys by item then variant.
func (k Key) Less(other Key) bool {
	if k.ItemID != other.ItemID {
		return k.ItemID < other.ItemID
	}
	return k.VariantID < other.VariantID
}

// Line is one cart entry. UnitPrice is in the smallest currency unit.
type Line struct {
	Quantity  int   `json:"quantity"`
	UnitPrice int64 `json:"unitPrice"`
}

// Valid reports whether the line may be held by a Store.
func (l Line) Valid() bool {
	return l.Quantity >= 1 && l.UnitPrice >= 0
}

// Subtotal is quantity times unit price.
func (l Line) Subtotal() int64 {
	return int64(l.Quantity) * l.UnitPrice
}

// Lines maps keys to cart lines.
type Lines map[Key]Line

// Clone returns an independent copy. A nil receiver yields an empty map.
func (l Lines) Clone() Lines {
	out := make(Lines, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Keys returns the keys in Key.Less order.
func (l Lines) Keys() []Key {
	keys := make([]Key, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// Quantity returns the total number of units across all lines.
func (l Lines) Quantity() int {
	n := 0
	for _, line := range l {
		n += line.Quantity
	}
	return n
}

// Total returns the sum of line subtotals.
func (l Lines) Total() int64 {
	var total int64
	for _, line := range l {
		total += line.Subtotal()
	}
	return total
}

// prune drops every entry that violates the cart invariant.
func (l Lines) prune() {
	for k, line := range l {
		if line.Quantity <= 0 || k.IsZero() {
			delete(l, k)
		}
	}
}
