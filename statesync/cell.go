package statesync

import (
	"encoding/json"
	"fmt"
	"sync"
)

// CellMetadata is the immutable description a cell was registered with.
type CellMetadata struct {
	ValueType ValueType
	Naming    EnumRow
	Writable  bool
}

// Cell is an observable holder of one value of one value type. The value
// type never changes after construction. Observers are invoked with every
// subsequent value, in per-cell order, with no deduplication.
type Cell interface {
	Url() string
	Type() ValueType
	Metadata() CellMetadata
	Get() any
	Subscribe(callback func(value any)) *Subscription
}

// writeSender issues a write request and arranges for `complete` to run
// when the server acknowledges it. Implemented by Session.
type writeSender interface {
	sendSet(objectId ObjectId, value any, complete func()) error
}

type baseCell struct {
	url      string
	metadata CellMetadata

	stateLock sync.Mutex
	observers *CallbackList[func(value any)]
}

func newBaseCell(url string, metadata CellMetadata) baseCell {
	return baseCell{
		url:       url,
		metadata:  metadata,
		observers: NewCallbackList[func(value any)](),
	}
}

func (self *baseCell) Url() string {
	return self.url
}

func (self *baseCell) Type() ValueType {
	return self.metadata.ValueType
}

func (self *baseCell) Metadata() CellMetadata {
	return self.metadata
}

func (self *baseCell) Subscribe(callback func(value any)) *Subscription {
	callbackId := self.observers.Add(callback)
	return &Subscription{
		unsubscribe: func() {
			self.observers.Remove(callbackId)
		},
	}
}

// notify must be called without stateLock held.
func (self *baseCell) notify(value any) {
	for _, callback := range self.observers.Get() {
		callback(value)
	}
}

// ValueCell is read only: its value is set only by the session from
// server pushes.
type ValueCell struct {
	baseCell
	value any
}

func newValueCell(url string, metadata CellMetadata, current any) *ValueCell {
	return &ValueCell{
		baseCell: newBaseCell(url, metadata),
		value:    current,
	}
}

func (self *ValueCell) Get() any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.value
}

func (self *ValueCell) push(payload json.RawMessage) error {
	value, err := decodeValue(self.metadata.ValueType, payload)
	if err != nil {
		return err
	}
	self.stateLock.Lock()
	self.value = value
	self.stateLock.Unlock()
	self.notify(value)
	return nil
}

// WritableCell applies local writes optimistically and reconciles them
// against the server's asynchronous echoes.
//
// Invariants: pendingWrites >= 0, and localValue == remoteValue whenever
// pendingWrites == 0. While writes are outstanding the last local intent
// wins; the latest authoritative value is adopted once every write issued
// so far has been acknowledged.
type WritableCell struct {
	baseCell
	sender   writeSender
	objectId ObjectId

	localValue    any
	remoteValue   any
	pendingWrites int
}

func newWritableCell(url string, metadata CellMetadata, current any, sender writeSender, objectId ObjectId) *WritableCell {
	return &WritableCell{
		baseCell:    newBaseCell(url, metadata),
		sender:      sender,
		objectId:    objectId,
		localValue:  current,
		remoteValue: current,
	}
}

func (self *WritableCell) Get() any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.localValue
}

// Set displays the value immediately and sends a write request. The
// pending count is cleared only by the matching done; if the connection
// dies first the write is abandoned along with the session. A write
// that fails to send is retired immediately so that pushes are not
// suppressed waiting for a done that can never arrive.
func (self *WritableCell) Set(value any) error {
	self.stateLock.Lock()
	self.localValue = value
	self.pendingWrites += 1
	self.stateLock.Unlock()
	self.notify(value)
	if err := self.sender.sendSet(self.objectId, value, self.ack); err != nil {
		self.ack()
		return err
	}
	return nil
}

func (self *WritableCell) ack() {
	self.stateLock.Lock()
	if self.pendingWrites > 0 {
		self.pendingWrites -= 1
	}
	adopt := self.pendingWrites == 0
	var value any
	if adopt {
		self.localValue = self.remoteValue
		value = self.localValue
	}
	self.stateLock.Unlock()
	if adopt {
		self.notify(value)
	}
}

func (self *WritableCell) push(payload json.RawMessage) error {
	value, err := decodeValue(self.metadata.ValueType, payload)
	if err != nil {
		return err
	}
	self.stateLock.Lock()
	self.remoteValue = value
	// a push while writes are outstanding is stale with respect to local
	// intent; it takes effect when the last write is acknowledged
	apply := self.pendingWrites == 0
	if apply {
		self.localValue = value
	}
	self.stateLock.Unlock()
	if apply {
		self.notify(value)
	}
	return nil
}

// PendingWrites reports the number of local writes not yet acknowledged
// by the server.
func (self *WritableCell) PendingWrites() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.pendingWrites
}

// CommandCell has no persistent value. Invoking it sends a one-shot
// request; `complete` runs when the server signals done for the matching
// request id. Concurrent invocations may complete out of order.
type CommandCell struct {
	baseCell
	sender   writeSender
	objectId ObjectId
}

func newCommandCell(url string, metadata CellMetadata, sender writeSender, objectId ObjectId) *CommandCell {
	return &CommandCell{
		baseCell: newBaseCell(url, metadata),
		sender:   sender,
		objectId: objectId,
	}
}

func (self *CommandCell) Get() any {
	return nil
}

func (self *CommandCell) Invoke(complete func()) error {
	if complete == nil {
		complete = func() {}
	}
	// the server's command path is a set with an ignored value
	return self.sender.sendSet(self.objectId, nil, complete)
}

func (self *CommandCell) push(payload json.RawMessage) error {
	// commands have no value; tolerate the server's placeholder pushes
	return nil
}

// BulkMetadata describes one bulk-data frame. Freq is only meaningful
// for spectrum frames.
type BulkMetadata struct {
	Freq float64
	Rate float64
}

// BulkValue is the (metadata, samples) pair held by a BulkCell.
type BulkValue struct {
	Metadata BulkMetadata
	Samples  []float32
}

// BulkCell is read only; its updates arrive on the binary channel. Every
// delivered frame produces exactly one observer notification.
type BulkCell struct {
	baseCell
	value     BulkValue
	haveValue bool
}

func newBulkCell(url string, metadata CellMetadata) *BulkCell {
	return &BulkCell{
		baseCell: newBaseCell(url, metadata),
	}
}

func (self *BulkCell) Get() any {
	value, ok := self.GetBulk()
	if !ok {
		return nil
	}
	return value
}

func (self *BulkCell) GetBulk() (BulkValue, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.value, self.haveValue
}

func (self *BulkCell) pushBulk(value BulkValue) {
	self.stateLock.Lock()
	self.value = value
	self.haveValue = true
	self.stateLock.Unlock()
	self.notify(value)
}

func (self *BulkCell) push(payload json.RawMessage) error {
	return fmt.Errorf("bulk cell %s received a json value", self.url)
}

// ReferenceCell resolves another object id into its live node. Its value
// is the referenced Cell or Block.
type ReferenceCell struct {
	baseCell
	session *Session
	target  any
}

func newReferenceCell(url string, metadata CellMetadata, session *Session) *ReferenceCell {
	return &ReferenceCell{
		baseCell: newBaseCell(url, metadata),
		session:  session,
	}
}

func (self *ReferenceCell) Get() any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.target
}

func (self *ReferenceCell) push(payload json.RawMessage) error {
	var objectId ObjectId
	if err := json.Unmarshal(payload, &objectId); err != nil {
		return fmt.Errorf("reference cell %s: payload is not an object id: %w", self.url, err)
	}
	node, ok := self.session.node(objectId)
	if !ok {
		return fmt.Errorf("reference cell %s: unknown object id %d", self.url, objectId)
	}
	self.stateLock.Lock()
	self.target = node
	self.stateLock.Unlock()
	self.notify(node)
	return nil
}

func decodeValue(valueType ValueType, payload json.RawMessage) (any, error) {
	switch valueType.(type) {
	case *TrackT:
		var track Track
		if err := json.Unmarshal(payload, &track); err != nil {
			return nil, fmt.Errorf("malformed track value: %w", err)
		}
		return track, nil
	default:
		var value any
		if err := json.Unmarshal(payload, &value); err != nil {
			return nil, fmt.Errorf("malformed value payload: %w", err)
		}
		return value, nil
	}
}
