package cart

import (
	"encoding/json"
	"fmt"
)

// snapshotDoc is the persisted form of a cart. Lines are sorted by key so
// identical carts serialise identically.
type snapshotDoc struct {
	Lines []lineDoc `json:"lines"`
}

type lineDoc struct {
	ItemID    string `json:"itemId"`
	VariantID string `json:"variantId"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

// MarshalSnapshot encodes lines in the persisted format.
func MarshalSnapshot(lines Lines) ([]byte, error) {
	doc := snapshotDoc{Lines: make([]lineDoc, 0, len(lines))}
	for _, k := range lines.Keys() {
		line := lines[k]
		doc.Lines = append(doc.Lines, lineDoc{
			ItemID:    k.ItemID,
			VariantID: k.VariantID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}
	return json.Marshal(doc)
}

// UnmarshalSnapshot decodes a persisted cart. Entries that are not valid
// lines are skipped and counted in dropped.
func UnmarshalSnapshot(data []byte) (lines Lines, dropped int, err error) {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, 0, fmt.Errorf("decode cart snapshot: %w", err)
	}

	lines = make(Lines, len(doc.Lines))
	for _, d := range doc.Lines {
		k, err := NewKey(d.ItemID, d.VariantID)
		line := Line{Quantity: d.Quantity, UnitPrice: d.UnitPrice}
		if err != nil || !line.Valid() {
			dropped++
			continue
		}
		if prev, ok := lines[k]; ok {
			// Same key twice after normalisation: keep the quantities.
			line.Quantity += prev.Quantity
		}
		lines[k] = line
	}
	return lines, dropped, nil
}
