package book

import "exchange/internal/schema"

// Order is the book's live view of an order. Only the owning matching engine mutates it.
type Order struct {
	ID          uint64
	Instrument  schema.InstrumentID
	Owner       uint32
	Side        schema.OrderSide
	Type        schema.OrderType
	TimeInForce schema.TimeInForce
	Price       schema.Price
	Qty         schema.Quantity
	Remaining   schema.Quantity
	ArrivalSeq  uint64
	Status      schema.OrderStatus
	// TraceID is copied into the header of every event the order's pass emits.
	TraceID uint64

	level *Level
	prev  *Order
	next  *Order
}

// Filled returns the executed quantity.
func (o *Order) Filled() schema.Quantity {
	return o.Qty - o.Remaining
}

// Next returns the order queued behind o at the same price, or nil.
func (o *Order) Next() *Order {
	return o.next
}

// Resting reports whether the order currently sits in a book.
func (o *Order) Resting() bool {
	return o.level != nil
}

// Level is a FIFO queue of resting orders at one price.
type Level struct {
	Price schema.Price

	head  *Order
	tail  *Order
	total schema.Quantity
	count int
}

// Front returns the order with time priority, or nil.
func (l *Level) Front() *Order {
	return l.head
}

// Total returns the aggregate remaining quantity.
func (l *Level) Total() schema.Quantity {
	return l.total
}

// Count returns the number of queued orders.
func (l *Level) Count() int {
	return l.count
}

// Empty reports whether no order is queued.
func (l *Level) Empty() bool {
	return l.head == nil
}

func (l *Level) push(o *Order) {
	o.level = l
	o.next = nil
	o.prev = l.tail
	if l.tail == nil {
		l.head = o
	} else {
		l.tail.next = o
	}
	l.tail = o
	l.total += o.Remaining
	l.count++
}

func (l *Level) unlink(o *Order) {
	if o.prev != nil {
		o.prev.next = o.next
	} else {
		l.head = o.next
	}
	if o.next != nil {
		o.next.prev = o.prev
	} else {
		l.tail = o.prev
	}
	l.total -= o.Remaining
	l.count--
	o.prev = nil
	o.next = nil
	o.level = nil
}
