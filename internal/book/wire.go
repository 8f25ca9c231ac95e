package book

import (
	"encoding/json"
	"fmt"
)

// UnmarshalJSON decodes a Change from its wire shape: a 3-element JSON
// array [action, price, quantity].
func (c *Change) UnmarshalJSON(data []byte) error {
	var tuple [3]json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("book: decode change tuple: %w", err)
	}
	if err := json.Unmarshal(tuple[0], &c.Action); err != nil {
		return fmt.Errorf("book: decode change action: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &c.Price); err != nil {
		return fmt.Errorf("book: decode change price: %w", err)
	}
	if err := json.Unmarshal(tuple[2], &c.Quantity); err != nil {
		return fmt.Errorf("book: decode change quantity: %w", err)
	}
	return nil
}

// wireUpdate is the JSON shape of a book.<instrument>.<frequency>
// notification's params.data payload.
type wireUpdate struct {
	ChangeID     int64    `json:"change_id"`
	PrevChangeID *int64   `json:"prev_change_id"`
	Bids         []Change `json:"bids"`
	Asks         []Change `json:"asks"`
}

// UnmarshalJSON decodes an Update from the venue's wire format.
func (u *Update) UnmarshalJSON(data []byte) error {
	var w wireUpdate
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("book: decode update: %w", err)
	}
	u.ChangeID = w.ChangeID
	u.Bids = w.Bids
	u.Asks = w.Asks
	if w.PrevChangeID != nil {
		u.HasPrevChangeID = true
		u.PrevChangeID = *w.PrevChangeID
	} else {
		u.HasPrevChangeID = false
		u.PrevChangeID = 0
	}
	return nil
}
