package state

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/btree"
	"github.com/google/uuid"
)

// bidLess orders bids best first: highest price, then earliest arrival.
func bidLess(a, b *Order) bool {
	if a.Price != b.Price {
		return a.Price > b.Price
	}
	return a.Priority < b.Priority
}

// askLess orders asks best first: lowest price, then earliest arrival.
func askLess(a, b *Order) bool {
	if a.Price != b.Price {
		return a.Price < b.Price
	}
	return a.Priority < b.Priority
}

// OrderBook holds the resting orders of one outcome token.
// Bids and asks are each kept in price-time priority order.
type OrderBook struct {
	Key  BookKey
	bids *btree.BTreeG[*Order]
	asks *btree.BTreeG[*Order]
}

func NewOrderBook(key BookKey) *OrderBook {
	return &OrderBook{
		Key:  key,
		bids: btree.NewG(32, bidLess),
		asks: btree.NewG(32, askLess),
	}
}

func (ob *OrderBook) tree(side Side) *btree.BTreeG[*Order] {
	if side == SideBuy {
		return ob.bids
	}
	return ob.asks
}

// Insert rests an order on its side of the book.
func (ob *OrderBook) Insert(o *Order) {
	ob.tree(o.Side).ReplaceOrInsert(o)
}

// Remove takes an order off the book. Price and Priority must be unchanged
// since insertion.
func (ob *OrderBook) Remove(o *Order) {
	ob.tree(o.Side).Delete(o)
}

// Ascend walks one side best first until fn returns false.
func (ob *OrderBook) Ascend(side Side, fn func(o *Order) bool) {
	ob.tree(side).Ascend(fn)
}

// Best returns the best resting order on a side.
func (ob *OrderBook) Best(side Side) (*Order, bool) {
	return ob.tree(side).Min()
}

// Len returns the number of resting orders on a side.
func (ob *OrderBook) Len(side Side) int {
	return ob.tree(side).Len()
}

// Level is an aggregated price level.
type Level struct {
	Price    int64
	Quantity int64
	Orders   int
}

// BookSnapshot is a point-in-time copy of a book.
type BookSnapshot struct {
	ConditionID common.Hash
	Slot        uint16
	Bids        []Level // price descending
	Asks        []Level // price ascending
	BidOrders   []Order // priority order
	AskOrders   []Order
}

// Snapshot aggregates both sides into levels and copies the resting orders.
func (ob *OrderBook) Snapshot() BookSnapshot {
	snap := BookSnapshot{ConditionID: ob.Key.ConditionID, Slot: ob.Key.Slot}
	snap.Bids, snap.BidOrders = collectSide(ob.bids)
	snap.Asks, snap.AskOrders = collectSide(ob.asks)
	return snap
}

func collectSide(tree *btree.BTreeG[*Order]) ([]Level, []Order) {
	levels := make([]Level, 0)
	orders := make([]Order, 0, tree.Len())
	tree.Ascend(func(o *Order) bool {
		orders = append(orders, *o)
		if n := len(levels); n > 0 && levels[n-1].Price == o.Price {
			levels[n-1].Quantity += o.Remaining
			levels[n-1].Orders++
		} else {
			levels = append(levels, Level{Price: o.Price, Quantity: o.Remaining, Orders: 1})
		}
		return true
	})
	return levels, orders
}

// OrderBooks indexes every book and every resting order, and remembers every
// order ID and maker nonce ever accepted so neither can be reused.
// Not thread-safe: owned by the single-threaded core.
type OrderBooks struct {
	books  map[BookKey]*OrderBook
	orders map[uuid.UUID]*Order // resting only
	seen   map[uuid.UUID]struct{}
	nonces map[MakerNonce]struct{}
	nextPr int64
}

func NewOrderBooks() *OrderBooks {
	return &OrderBooks{
		books:  make(map[BookKey]*OrderBook),
		orders: make(map[uuid.UUID]*Order),
		seen:   make(map[uuid.UUID]struct{}),
		nonces: make(map[MakerNonce]struct{}),
	}
}

// Book returns the book for key, or nil if nothing ever rested there.
func (obs *OrderBooks) Book(key BookKey) *OrderBook {
	return obs.books[key]
}

func (obs *OrderBooks) bookFor(key BookKey) *OrderBook {
	b := obs.books[key]
	if b == nil {
		b = NewOrderBook(key)
		obs.books[key] = b
	}
	return b
}

// Resting returns a resting order by ID.
func (obs *OrderBooks) Resting(id uuid.UUID) (*Order, bool) {
	o, ok := obs.orders[id]
	return o, ok
}

// Seen reports whether an order ID was ever accepted.
func (obs *OrderBooks) Seen(id uuid.UUID) bool {
	_, ok := obs.seen[id]
	return ok
}

// NonceUsed reports whether a maker already used a nonce.
func (obs *OrderBooks) NonceUsed(maker common.Address, nonce uint64) bool {
	_, ok := obs.nonces[MakerNonce{Maker: maker, Nonce: nonce}]
	return ok
}

// Accept records an order's ID and nonce and assigns its time priority.
func (obs *OrderBooks) Accept(o *Order) {
	obs.seen[o.ID] = struct{}{}
	obs.nonces[MakerNonce{Maker: o.Maker, Nonce: o.Nonce}] = struct{}{}
	obs.nextPr++
	o.Priority = obs.nextPr
}

// Rest places an accepted order on its book.
func (obs *OrderBooks) Rest(o *Order) {
	obs.bookFor(BookKey{ConditionID: o.ConditionID, Slot: o.Slot}).Insert(o)
	obs.orders[o.ID] = o
}

// Close removes a resting order from its book and marks its final status.
func (obs *OrderBooks) Close(o *Order, status OrderStatus) {
	if b := obs.books[BookKey{ConditionID: o.ConditionID, Slot: o.Slot}]; b != nil {
		b.Remove(o)
	}
	delete(obs.orders, o.ID)
	o.Status = status
}

// RestingForCondition returns every resting order of a condition ordered by
// slot, then bids before asks, each in priority order.
func (obs *OrderBooks) RestingForCondition(conditionID common.Hash, slotCount int) []*Order {
	var out []*Order
	for slot := 0; slot < slotCount; slot++ {
		b := obs.books[BookKey{ConditionID: conditionID, Slot: uint16(slot)}]
		if b == nil {
			continue
		}
		for _, side := range [2]Side{SideBuy, SideSell} {
			b.Ascend(side, func(o *Order) bool {
				out = append(out, o)
				return true
			})
		}
	}
	return out
}

// RestingCount returns the number of resting orders across all books.
func (obs *OrderBooks) RestingCount() int {
	return len(obs.orders)
}

// SortedResting returns all resting orders by priority, for hashing and snapshots.
func (obs *OrderBooks) SortedResting() []*Order {
	out := make([]*Order, 0, len(obs.orders))
	for _, o := range obs.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// OrderBooksState is the serializable form of OrderBooks.
type OrderBooksState struct {
	Resting      []Order
	SeenOrderIDs []uuid.UUID
	UsedNonces   []MakerNonce
	NextPriority int64
}

// Export captures the full book state deterministically.
func (obs *OrderBooks) Export() OrderBooksState {
	st := OrderBooksState{NextPriority: obs.nextPr}
	for _, o := range obs.SortedResting() {
		st.Resting = append(st.Resting, *o)
	}
	for id := range obs.seen {
		st.SeenOrderIDs = append(st.SeenOrderIDs, id)
	}
	sort.Slice(st.SeenOrderIDs, func(i, j int) bool {
		return bytes.Compare(st.SeenOrderIDs[i][:], st.SeenOrderIDs[j][:]) < 0
	})
	for mn := range obs.nonces {
		st.UsedNonces = append(st.UsedNonces, mn)
	}
	sort.Slice(st.UsedNonces, func(i, j int) bool {
		if c := bytes.Compare(st.UsedNonces[i].Maker[:], st.UsedNonces[j].Maker[:]); c != 0 {
			return c < 0
		}
		return st.UsedNonces[i].Nonce < st.UsedNonces[j].Nonce
	})
	return st
}

// Import replaces all book state.
func (obs *OrderBooks) Import(st OrderBooksState) {
	*obs = *NewOrderBooks()
	obs.nextPr = st.NextPriority
	for _, id := range st.SeenOrderIDs {
		obs.seen[id] = struct{}{}
	}
	for _, mn := range st.UsedNonces {
		obs.nonces[mn] = struct{}{}
	}
	for i := range st.Resting {
		o := st.Resting[i]
		obs.Rest(&o)
	}
}
