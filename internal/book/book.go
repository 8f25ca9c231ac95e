package book

import "fmt"

// ErrSequenceGap is returned by Update when the message's prev_change_id
// does not match the locally stored sequence number. The local replica can
// no longer be trusted once this happens.
type ErrSequenceGap struct {
	Expected int64
	Got      int64
}

func (e *ErrSequenceGap) Error() string {
	return fmt.Sprintf("book: sequence gap: expected prev_change_id=%d, got %d", e.Expected, e.Got)
}

// Update is one incremental (or snapshot) book message. PrevChangeID is
// absent (HasPrevChangeID == false) only for the very first, snapshot-seeding
// message.
type Update struct {
	ChangeID        int64
	HasPrevChangeID bool
	PrevChangeID    int64
	Bids            []Change
	Asks            []Change
}

// Book is the composite replica: both sides plus the venue's monotone
// change-id sequence.
type Book struct {
	Bids *Side
	Asks *Side

	prevChangeID int64
	seeded       bool
}

// New returns an empty Book, not yet seeded by a snapshot.
func New() *Book {
	return &Book{
		Bids: NewBids(),
		Asks: NewAsks(),
	}
}

// PrevChangeID returns the last stored sequence number.
func (b *Book) PrevChangeID() int64 {
	return b.prevChangeID
}

// Update applies one book message. If u carries a PrevChangeID, it must
// equal the locally stored sequence or the update is rejected with
// ErrSequenceGap and the book is left untouched. On success, the stored
// sequence becomes u.ChangeID and both sides' change lists are applied.
func (b *Book) Update(u Update) error {
	if u.HasPrevChangeID && u.PrevChangeID != b.prevChangeID {
		return &ErrSequenceGap{Expected: b.prevChangeID, Got: u.PrevChangeID}
	}

	if err := b.Bids.ApplyChanges(u.Bids); err != nil {
		return err
	}
	if err := b.Asks.ApplyChanges(u.Asks); err != nil {
		return err
	}

	b.prevChangeID = u.ChangeID
	b.seeded = true
	return nil
}

// Seeded reports whether at least one snapshot/update has been applied.
func (b *Book) Seeded() bool {
	return b.seeded
}
