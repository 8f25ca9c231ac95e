// Package book implements the incremental order-book replication engine:
// a price-sorted ladder per side (Side) and the composite Book that
// sequence-checks incoming updates and applies them to both sides.
package book

import (
	"fmt"
	"sort"
)

// ErrInvalidChangeType is returned by ApplyChanges when a change tuple's
// action is not one of "new", "change", or "delete".
type ErrInvalidChangeType struct {
	Action string
}

func (e *ErrInvalidChangeType) Error() string {
	return fmt.Sprintf("book: invalid change type %q", e.Action)
}

// ErrPriceAbsent is returned when a "change" or "delete" targets a price
// that is not currently resting on the side.
type ErrPriceAbsent struct {
	Op    string
	Price float64
}

func (e *ErrPriceAbsent) Error() string {
	return fmt.Sprintf("book: %s on absent price %v", e.Op, e.Price)
}

// ErrPriceExists is returned when a "new" targets a price already resting
// on the side.
type ErrPriceExists struct {
	Price float64
}

func (e *ErrPriceExists) Error() string {
	return fmt.Sprintf("book: new on existing price %v", e.Price)
}

// Change is one [action, price, quantity] mutation from a book update
// message: action is "new", "change", or "delete".
type Change struct {
	Action   string
	Price    float64
	Quantity float64
}

// Side is a price-sorted ladder of resting quantity. Bids sort descending
// (best = highest price); Asks sort ascending (best = lowest price). Both
// share this same implementation, parameterized only by the `better`
// comparator passed to the constructor.
type Side struct {
	levels map[float64]float64
	better func(a, b float64) bool // true if price a is strictly better than price b
}

// NewBids returns a Side ordered descending by price (best = highest).
func NewBids() *Side {
	return &Side{
		levels: make(map[float64]float64),
		better: func(a, b float64) bool { return a > b },
	}
}

// NewAsks returns a Side ordered ascending by price (best = lowest).
func NewAsks() *Side {
	return &Side{
		levels: make(map[float64]float64),
		better: func(a, b float64) bool { return a < b },
	}
}

// ApplyChanges applies a batch of [action, price, quantity] mutations in
// order. The first failure aborts the batch and is returned; changes
// already applied earlier in the batch are not rolled back, so the caller
// should treat any error here as fatal to the whole book.
func (s *Side) ApplyChanges(changes []Change) error {
	for _, c := range changes {
		switch c.Action {
		case "new":
			if _, ok := s.levels[c.Price]; ok {
				return &ErrPriceExists{Price: c.Price}
			}
			s.levels[c.Price] = c.Quantity
		case "change":
			if _, ok := s.levels[c.Price]; !ok {
				return &ErrPriceAbsent{Op: "change", Price: c.Price}
			}
			s.levels[c.Price] = c.Quantity
		case "delete":
			if _, ok := s.levels[c.Price]; !ok {
				return &ErrPriceAbsent{Op: "delete", Price: c.Price}
			}
			delete(s.levels, c.Price)
		default:
			return &ErrInvalidChangeType{Action: c.Action}
		}
	}
	return nil
}

// sortedPrices returns all resting prices from best to worst.
func (s *Side) sortedPrices() []float64 {
	prices := make([]float64, 0, len(s.levels))
	for p := range s.levels {
		prices = append(prices, p)
	}
	sort.Slice(prices, func(i, j int) bool { return s.better(prices[i], prices[j]) })
	return prices
}

// PriceDepth walks the ladder from best to worst, accumulating quantity,
// and returns the first price at which the running sum strictly exceeds q.
// The second return value is false if total depth never exceeds q.
func (s *Side) PriceDepth(q float64) (float64, bool) {
	return s.PriceDepthExcluding(q, 0, 0)
}

// PriceDepthExcluding is PriceDepth, except that when the walk passes
// ownPrice it first subtracts ownQty from the running sum before testing
// the threshold — answering "what price would I see at depth q if my own
// resting order at ownPrice weren't there?". Passing ownQty == 0 makes this
// identical to PriceDepth.
func (s *Side) PriceDepthExcluding(q, ownPrice, ownQty float64) (float64, bool) {
	var cum float64
	for _, price := range s.sortedPrices() {
		qty := s.levels[price]
		if ownQty != 0 && price == ownPrice {
			qty -= ownQty
		}
		cum += qty
		if cum > q {
			return price, true
		}
	}
	return 0, false
}

// Quantity returns the resting quantity at price, and whether it exists.
func (s *Side) Quantity(price float64) (float64, bool) {
	q, ok := s.levels[price]
	return q, ok
}

// Len returns the number of distinct resting prices.
func (s *Side) Len() int {
	return len(s.levels)
}
