package statesync

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

// stubSender records write requests and lets tests acknowledge them in
// any order, standing in for the server side of a session.
type stubSender struct {
	values      []any
	completions []func()
}

func (self *stubSender) sendSet(objectId ObjectId, value any, complete func()) error {
	self.values = append(self.values, value)
	self.completions = append(self.completions, complete)
	return nil
}

func (self *stubSender) ack(i int) {
	self.completions[i]()
}

func newTestWritableCell(sender *stubSender, current any) *WritableCell {
	return newWritableCell(
		"/test",
		CellMetadata{ValueType: &StringT{}, Writable: true},
		current,
		sender,
		ObjectId(1),
	)
}

func TestWritableCellOptimisticSet(t *testing.T) {
	sender := &stubSender{}
	cell := newTestWritableCell(sender, "A")
	assert.Equal(t, cell.Get(), "A")

	// optimistic: the new value displays before any acknowledgment
	err := cell.Set("B")
	assert.Equal(t, err, nil)
	assert.Equal(t, cell.Get(), "B")
	assert.Equal(t, cell.PendingWrites(), 1)
	assert.Equal(t, sender.values, []any{"B"})

	// a server push while a write is outstanding must not regress the
	// displayed value
	err = cell.push(json.RawMessage(`"C"`))
	assert.Equal(t, err, nil)
	assert.Equal(t, cell.Get(), "B")

	// once every write is acknowledged the authoritative value takes over
	sender.ack(0)
	assert.Equal(t, cell.PendingWrites(), 0)
	assert.Equal(t, cell.Get(), "C")
}

func TestWritableCellEchoThenDone(t *testing.T) {
	// the usual server sequence: value echo, then done
	sender := &stubSender{}
	cell := newTestWritableCell(sender, "A")

	cell.Set("B")
	err := cell.push(json.RawMessage(`"B"`))
	assert.Equal(t, err, nil)
	assert.Equal(t, cell.Get(), "B")
	sender.ack(0)
	assert.Equal(t, cell.Get(), "B")
	assert.Equal(t, cell.PendingWrites(), 0)
}

func TestWritableCellOverlappingWrites(t *testing.T) {
	sender := &stubSender{}
	cell := newTestWritableCell(sender, "A")

	cell.Set("B")
	cell.Set("C")
	assert.Equal(t, cell.PendingWrites(), 2)
	assert.Equal(t, cell.Get(), "C")

	// the server applied its own logic and settled on D
	err := cell.push(json.RawMessage(`"D"`))
	assert.Equal(t, err, nil)
	assert.Equal(t, cell.Get(), "C")

	sender.ack(0)
	assert.Equal(t, cell.PendingWrites(), 1)
	assert.Equal(t, cell.Get(), "C")

	sender.ack(1)
	assert.Equal(t, cell.PendingWrites(), 0)
	assert.Equal(t, cell.Get(), "D")
}

// failingSender refuses every write, standing in for a closed or broken
// session send path.
type failingSender struct{}

func (self *failingSender) sendSet(objectId ObjectId, value any, complete func()) error {
	return fmt.Errorf("send failed")
}

func TestWritableCellFailedSendRetiresWrite(t *testing.T) {
	cell := newWritableCell(
		"/test",
		CellMetadata{ValueType: &StringT{}, Writable: true},
		"A",
		&failingSender{},
		ObjectId(1),
	)

	err := cell.Set("B")
	assert.NotEqual(t, err, nil)
	// the failed write must not stay pending: no done will ever arrive
	assert.Equal(t, cell.PendingWrites(), 0)
	assert.Equal(t, cell.Get(), "A")

	// pushes still apply after the failure
	assert.Equal(t, cell.push(json.RawMessage(`"C"`)), nil)
	assert.Equal(t, cell.Get(), "C")
}

func TestWritableCellPushWhenIdle(t *testing.T) {
	sender := &stubSender{}
	cell := newTestWritableCell(sender, "A")

	values := []any{}
	subscription := cell.Subscribe(func(value any) {
		values = append(values, value)
	})
	defer subscription.Unsubscribe()

	err := cell.push(json.RawMessage(`"B"`))
	assert.Equal(t, err, nil)
	assert.Equal(t, cell.Get(), "B")
	assert.Equal(t, values, []any{"B"})
}

func TestReadOnlyCellNotifiesEveryValue(t *testing.T) {
	cell := newValueCell("/test", CellMetadata{ValueType: &NumberT{}}, nil)

	values := []any{}
	subscription := cell.Subscribe(func(value any) {
		values = append(values, value)
	})
	defer subscription.Unsubscribe()

	assert.Equal(t, cell.push(json.RawMessage(`1`)), nil)
	// repeated identical values are not deduplicated
	assert.Equal(t, cell.push(json.RawMessage(`1`)), nil)
	assert.Equal(t, cell.push(json.RawMessage(`2`)), nil)
	assert.Equal(t, values, []any{float64(1), float64(1), float64(2)})
	assert.Equal(t, cell.Get(), float64(2))
}

func TestSubscriptionUnsubscribe(t *testing.T) {
	cell := newValueCell("/test", CellMetadata{ValueType: &StringT{}}, nil)

	count := 0
	subscription := cell.Subscribe(func(value any) {
		count += 1
	})

	assert.Equal(t, cell.push(json.RawMessage(`"a"`)), nil)
	subscription.Unsubscribe()
	assert.Equal(t, cell.push(json.RawMessage(`"b"`)), nil)
	assert.Equal(t, count, 1)

	// double unsubscribe is harmless
	subscription.Unsubscribe()
}

func TestCommandCellInvoke(t *testing.T) {
	sender := &stubSender{}
	cell := newCommandCell(
		"/test",
		CellMetadata{ValueType: &AnyT{}, Writable: true},
		sender,
		ObjectId(3),
	)
	assert.Equal(t, cell.Get(), nil)

	completed := false
	err := cell.Invoke(func() {
		completed = true
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, sender.values, []any{nil})
	assert.Equal(t, completed, false)

	sender.ack(0)
	assert.Equal(t, completed, true)
}

func TestCommandCellOutOfOrderCompletion(t *testing.T) {
	sender := &stubSender{}
	cell := newCommandCell(
		"/test",
		CellMetadata{ValueType: &AnyT{}, Writable: true},
		sender,
		ObjectId(3),
	)

	order := []int{}
	assert.Equal(t, cell.Invoke(func() { order = append(order, 1) }), nil)
	assert.Equal(t, cell.Invoke(func() { order = append(order, 2) }), nil)

	// the server may complete concurrent commands in any order
	sender.ack(1)
	sender.ack(0)
	assert.Equal(t, order, []int{2, 1})
}
