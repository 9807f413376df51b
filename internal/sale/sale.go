package sale

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"pdv_terminal/internal/money"

	"github.com/google/uuid"
)

type Status string

const (
	StatusOpen      Status = "open"
	StatusSettling  Status = "settling"
	StatusSettled   Status = "settled"
	StatusCancelled Status = "cancelled"
)

var (
	ErrNotOpen            = errors.New("sale is not open")
	ErrNotSettling        = errors.New("sale is not being settled")
	ErrEmpty              = errors.New("sale has no items")
	ErrLineNotFound       = errors.New("cart line not found")
	ErrInvalidQuantity    = errors.New("invalid quantity")
	ErrInvalidPrice       = errors.New("invalid unit price")
	ErrProductRequired    = errors.New("product reference is required")
	ErrDuplicateLine      = errors.New("duplicate cart line id")
	ErrRemovalExceeds     = errors.New("quantity to remove exceeds line quantity")
	ErrRemovalNotPositive = errors.New("quantity to remove must be at least 1")
)

// Item is one cart line.
type Item struct {
	LineID     string      `json:"line_id"`
	ProductRef string      `json:"produto_id"`
	Name       string      `json:"nome,omitempty"`
	Quantity   int         `json:"quantidade"`
	UnitPrice  money.Cents `json:"preco_unitario"`
}

func (i Item) LineTotal() money.Cents {
	return i.UnitPrice.Times(i.Quantity)
}

// Sale is the cart owned by the terminal session until it settles. Lines
// only change while the sale is open.
type Sale struct {
	mu       sync.RWMutex
	id       string
	items    []Item
	status   Status
	remoteID string
}

func New() *Sale {
	return NewWithID(uuid.NewString())
}

func NewWithID(id string) *Sale {
	return &Sale{id: id, status: StatusOpen}
}

func (s *Sale) ID() string {
	return s.id
}

func (s *Sale) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// RemoteID is the identifier the sales ledger assigned on settlement.
func (s *Sale) RemoteID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteID
}

// AddItem appends a line. An empty LineID gets a generated one.
func (s *Sale) AddItem(item Item) (Item, error) {
	if strings.TrimSpace(item.ProductRef) == "" {
		return Item{}, ErrProductRequired
	}
	if item.Quantity <= 0 {
		return Item{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, item.Quantity)
	}
	if item.UnitPrice < 0 {
		return Item{}, fmt.Errorf("%w: %s", ErrInvalidPrice, item.UnitPrice)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusOpen {
		return Item{}, ErrNotOpen
	}
	if item.LineID == "" {
		item.LineID = uuid.NewString()
	}
	if s.indexOf(item.LineID) >= 0 {
		return Item{}, fmt.Errorf("%w: %s", ErrDuplicateLine, item.LineID)
	}

	s.items = append(s.items, item)
	return item, nil
}

func (s *Sale) Items() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.items) == 0 {
		return nil
	}
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out
}

func (s *Sale) Item(lineID string) (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.indexOf(lineID)
	if idx < 0 {
		return Item{}, false
	}
	return s.items[idx], true
}

func (s *Sale) Total() money.Cents {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total money.Cents
	for _, item := range s.items {
		total += item.LineTotal()
	}
	return total
}

// ValidateRemoval checks a removal against the current cart without
// changing it.
func (s *Sale) ValidateRemoval(lineID string, qty int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := s.checkRemoval(lineID, qty)
	return err
}

// RemoveQuantity takes qty units off a line; removing the full quantity
// drops the line.
func (s *Sale) RemoveQuantity(lineID string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.checkRemoval(lineID, qty)
	if err != nil {
		return err
	}

	if qty == s.items[idx].Quantity {
		s.items = append(s.items[:idx], s.items[idx+1:]...)
		return nil
	}
	s.items[idx].Quantity -= qty
	return nil
}

func (s *Sale) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusOpen {
		return ErrNotOpen
	}
	s.status = StatusCancelled
	return nil
}

// BeginSettlement freezes the cart while a settlement call is in flight.
func (s *Sale) BeginSettlement() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusOpen {
		return ErrNotOpen
	}
	if len(s.items) == 0 {
		return ErrEmpty
	}
	s.status = StatusSettling
	return nil
}

// AbortSettlement reopens the cart after a settlement attempt that did
// not go through.
func (s *Sale) AbortSettlement() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusSettling {
		return ErrNotSettling
	}
	s.status = StatusOpen
	return nil
}

func (s *Sale) MarkSettled(remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusSettling {
		return ErrNotSettling
	}
	s.status = StatusSettled
	s.remoteID = remoteID
	return nil
}

func (s *Sale) checkRemoval(lineID string, qty int) (int, error) {
	if s.status != StatusOpen {
		return -1, ErrNotOpen
	}
	idx := s.indexOf(lineID)
	if idx < 0 {
		return -1, fmt.Errorf("%w: %s", ErrLineNotFound, lineID)
	}
	if qty < 1 {
		return -1, ErrRemovalNotPositive
	}
	if qty > s.items[idx].Quantity {
		return -1, fmt.Errorf("%w: max %d", ErrRemovalExceeds, s.items[idx].Quantity)
	}
	return idx, nil
}

func (s *Sale) indexOf(lineID string) int {
	for i := range s.items {
		if s.items[i].LineID == lineID {
			return i
		}
	}
	return -1
}
