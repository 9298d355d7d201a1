package core

import (
	"fmt"

	"CTFLedger/internal/command"
	"CTFLedger/internal/ledger"
	fpmath "CTFLedger/internal/math"
	"CTFLedger/internal/state"

	"github.com/google/uuid"
)

// makerUpdate is a planned partial or full fill of a resting order.
type makerUpdate struct {
	order    *state.Order
	quantity int64
	reserved int64 // reservation left after the fill
}

// closing is a resting order leaving the book without trading.
type closing struct {
	order  *state.Order
	status state.OrderStatus
}

// crosses reports whether a taker at its limit can trade with a resting order.
func crosses(taker, maker *state.Order) bool {
	if taker.Side == state.SideBuy {
		return taker.Price >= maker.Price
	}
	return taker.Price <= maker.Price
}

// handleSubmitOrder validates a signed order, reserves its funds, matches it
// against the opposite side at maker prices and rests any remainder.
func (c *DeterministicCore) handleSubmitOrder(cmd *command.SubmitOrder, p *plan) error {
	order := cmd.Order()

	cond := c.conditions.Get(order.ConditionID)
	if cond == nil {
		return &Error{Kind: KindConditionNotTradeable, ConditionID: order.ConditionID, OrderID: order.ID, Detail: "unknown condition"}
	}
	if !cond.Tradeable() {
		return &Error{Kind: KindConditionNotTradeable, ConditionID: cond.ID, OrderID: order.ID, Status: cond.Status.String()}
	}

	if err := validateOrderShape(order, cond); err != nil {
		return err
	}
	if order.Expired(p.now) {
		return &Error{Kind: KindOrderExpired, ConditionID: cond.ID, OrderID: order.ID,
			Detail: fmt.Sprintf("expiry %d at %d", order.Expiry, p.now)}
	}
	if c.books.Seen(order.ID) {
		return &Error{Kind: KindDuplicateOrder, ConditionID: cond.ID, OrderID: order.ID, Detail: "order id reused"}
	}
	if c.books.NonceUsed(order.Maker, order.Nonce) {
		return &Error{Kind: KindDuplicateOrder, ConditionID: cond.ID, OrderID: order.ID,
			Detail: fmt.Sprintf("nonce %d reused", order.Nonce)}
	}
	if c.verifier != nil && !c.cfg.DisableSignatureChecks {
		if err := c.verifier.VerifyOrder(order); err != nil {
			return &Error{Kind: KindInvalidSignature, ConditionID: cond.ID, OrderID: order.ID, Detail: err.Error()}
		}
	}

	asset := ledger.OutcomeAsset(cond.ID, order.Slot)

	// Reserve the full order up front.
	if order.Side == state.SideBuy {
		required := fpmath.ComputeCost(order.Quantity, order.Price)
		if free := c.balanceTracker.Collateral(order.Maker); free < required {
			return &Error{Kind: KindInsufficientCollateral, ConditionID: cond.ID, OrderID: order.ID,
				Required: required, Available: free}
		}
		p.builder.ReserveCollateral(order.Maker, required)
		order.Reserved = required
	} else {
		if free := c.balanceTracker.Position(order.Maker, asset); free < order.Quantity {
			return &Error{Kind: KindInsufficientBalance, ConditionID: cond.ID, OrderID: order.ID,
				Required: order.Quantity, Available: free, Detail: fmt.Sprintf("slot %d", order.Slot)}
		}
		p.builder.ReservePosition(order.Maker, asset, order.Quantity)
		order.Reserved = order.Quantity
	}
	order.CreatedAt = p.now

	// Plan the match without touching the book.
	var (
		updates   []makerUpdate
		closes    []closing
		remaining = order.Quantity
		spent     int64
	)
	if book := c.books.Book(state.BookKey{ConditionID: cond.ID, Slot: order.Slot}); book != nil {
		book.Ascend(order.Side.Opposite(), func(m *state.Order) bool {
			if remaining == 0 || !crosses(order, m) {
				return false
			}
			if m.Expired(p.now) {
				closes = append(closes, closing{order: m, status: state.OrderStatusExpired})
				return true
			}
			if m.Maker == order.Maker {
				closes = append(closes, closing{order: m, status: state.OrderStatusCancelled})
				return true
			}

			qty := min(remaining, m.Remaining)
			cost := fpmath.ComputeCost(qty, m.Price)

			upd := makerUpdate{order: m, quantity: qty}
			buyer, seller := order.Maker, m.Maker
			if m.Side == state.SideBuy {
				buyer, seller = m.Maker, order.Maker
				upd.reserved = fpmath.ComputeCost(m.Remaining-qty, m.Price)
			} else {
				upd.reserved = m.Reserved - qty
			}
			updates = append(updates, upd)

			p.fills = append(p.fills, state.Fill{
				FillID:      uuid.NewSHA1(p.builder.BatchID(), []byte(fmt.Sprintf("fill:%d", len(p.fills)))),
				MakerOrder:  m.ID,
				TakerOrder:  order.ID,
				ConditionID: cond.ID,
				Slot:        order.Slot,
				Price:       m.Price,
				Quantity:    qty,
				Collateral:  cost,
				Buyer:       buyer,
				Seller:      seller,
				Timestamp:   p.now,
			})

			remaining -= qty
			if order.Side == state.SideBuy {
				spent += cost
			}
			return true
		})
	}

	for _, cl := range closes {
		c.releaseReservation(cl.order, p)
	}
	for i, f := range p.fills {
		p.builder.Fill(f.Buyer, f.Seller, asset, f.Quantity, f.Collateral)

		// A resting buy keeps exactly the cost of its remainder reserved.
		if m := updates[i].order; m.Side == state.SideBuy {
			p.builder.ReleaseCollateral(m.Maker, m.Reserved-f.Collateral-updates[i].reserved)
		}
	}

	takerReserved := remaining
	if order.Side == state.SideBuy {
		takerReserved = fpmath.ComputeCost(remaining, order.Price)
		p.builder.ReleaseCollateral(order.Maker, order.Reserved-spent-takerReserved)
	}

	p.orders = append(p.orders, order)
	for _, cl := range closes {
		p.orders = append(p.orders, cl.order)
	}
	for _, u := range updates {
		p.orders = append(p.orders, u.order)
	}

	p.result.Remaining = remaining
	p.result.OrderStatus = state.OrderStatusOpen
	if remaining == 0 {
		p.result.OrderStatus = state.OrderStatusFilled
	}

	p.onCommit(func() {
		c.books.Accept(order)
		for _, cl := range closes {
			c.books.Close(cl.order, cl.status)
		}
		for _, u := range updates {
			u.order.Remaining -= u.quantity
			u.order.Reserved = u.reserved
			if u.order.Remaining == 0 {
				c.books.Close(u.order, state.OrderStatusFilled)
			}
		}
		order.Remaining = remaining
		order.Reserved = takerReserved
		if remaining > 0 {
			c.books.Rest(order)
		} else {
			order.Status = state.OrderStatusFilled
		}
	})
	return nil
}

func validateOrderShape(order *state.Order, cond *state.Condition) error {
	invalid := func(detail string) error {
		return &Error{Kind: KindInvalidOrder, ConditionID: cond.ID, OrderID: order.ID, Detail: detail}
	}
	switch {
	case order.ID == uuid.Nil:
		return invalid("missing order id")
	case order.Side != state.SideBuy && order.Side != state.SideSell:
		return invalid(fmt.Sprintf("side %d", order.Side))
	case int(order.Slot) >= cond.SlotCount:
		return invalid(fmt.Sprintf("slot %d of %d", order.Slot, cond.SlotCount))
	case !fpmath.ValidPrice(order.Price):
		return invalid(fmt.Sprintf("price %d outside (0, %d]", order.Price, fpmath.PriceScale))
	case order.Quantity <= 0:
		return invalid(fmt.Sprintf("quantity %d", order.Quantity))
	case order.Side == state.SideBuy && fpmath.ComputeCost(order.Quantity, order.Price) == 0:
		return invalid("notional rounds to zero")
	}
	return nil
}

// handleCancelOrder closes a resting order at its maker's request.
func (c *DeterministicCore) handleCancelOrder(cmd *command.CancelOrder, p *plan) error {
	o, ok := c.books.Resting(cmd.OrderID)
	if !ok {
		return &Error{Kind: KindUnknownOrder, OrderID: cmd.OrderID}
	}
	if o.Maker != cmd.Caller {
		return &Error{Kind: KindUnauthorizedCancel, ConditionID: o.ConditionID, OrderID: o.ID,
			Detail: fmt.Sprintf("caller %s is not maker %s", cmd.Caller.Hex(), o.Maker.Hex())}
	}

	c.releaseReservation(o, p)
	p.orders = append(p.orders, o)
	p.touchCondition(o.ConditionID)
	p.result.OrderStatus = state.OrderStatusCancelled
	p.result.Remaining = o.Remaining
	p.onCommit(func() {
		c.books.Close(o, state.OrderStatusCancelled)
	})
	return nil
}

// closeConditionOrders cancels every resting order of a condition and
// returns how many were closed.
func (c *DeterministicCore) closeConditionOrders(cond *state.Condition, p *plan) int {
	resting := c.books.RestingForCondition(cond.ID, cond.SlotCount)
	for _, o := range resting {
		c.releaseReservation(o, p)
		p.orders = append(p.orders, o)
	}
	if len(resting) > 0 {
		p.onCommit(func() {
			for _, o := range resting {
				c.books.Close(o, state.OrderStatusCancelled)
			}
		})
	}
	return len(resting)
}

// releaseReservation plans returning whatever a resting order still locks.
func (c *DeterministicCore) releaseReservation(o *state.Order, p *plan) {
	if o.Side == state.SideBuy {
		p.builder.ReleaseCollateral(o.Maker, o.Reserved)
		return
	}
	p.builder.ReleasePosition(o.Maker, ledger.OutcomeAsset(o.ConditionID, o.Slot), o.Reserved)
}
