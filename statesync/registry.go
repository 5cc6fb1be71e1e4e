package statesync

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// RootId is the one object id that exists before any message arrives:
// a reference cell whose value message names the root block.
const RootId = ObjectId(0)

type SessionSettings struct {
	// HttpBaseUrl resolves the relative urls objects are registered
	// with, for the http side operations (collection create/delete).
	HttpBaseUrl string
	HttpClient  *http.Client
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		HttpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Session owns the object graph of one connection. All graph nodes are
// created by server messages and destroyed by delete messages; a
// reconnect discards the whole session and builds a fresh one, since the
// server does not keep ids stable across connections.
type Session struct {
	send     func(frame []byte) error
	settings *SessionSettings

	stateLock sync.Mutex
	// the registry maps share one key space
	nodes   map[ObjectId]any
	updates map[ObjectId]func(payload json.RawMessage) error
	// request id -> completion for in flight writes and commands
	pending map[string]func()

	rootCell *ReferenceCell
}

func NewSession(send func(frame []byte) error, settings *SessionSettings) *Session {
	session := &Session{
		send:     send,
		settings: settings,
		nodes:    map[ObjectId]any{},
		updates:  map[ObjectId]func(payload json.RawMessage) error{},
		pending:  map[string]func(){},
	}
	rootCell := newReferenceCell("", CellMetadata{ValueType: &ReferenceT{}}, session)
	session.rootCell = rootCell
	session.nodes[RootId] = rootCell
	session.updates[RootId] = rootCell.push
	return session
}

// RootCell resolves to the root block once the server has pushed it.
func (self *Session) RootCell() *ReferenceCell {
	return self.rootCell
}

// Root returns the root block, or nil before the first root push.
func (self *Session) Root() *Block {
	if block, ok := self.rootCell.Get().(*Block); ok {
		return block
	}
	return nil
}

func (self *Session) node(objectId ObjectId) (any, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	node, ok := self.nodes[objectId]
	return node, ok
}

// HandleFrame applies one incoming text frame: an ordered batch of
// control messages. Later messages may reference ids created by earlier
// messages in the same batch. A malformed or unprocessable message is
// logged and dropped; the rest of the batch still applies.
func (self *Session) HandleFrame(data []byte) {
	rawMessages, err := splitBatch(data)
	if err != nil {
		glog.Infof("[ss]drop frame = %s\n", err)
		return
	}
	for i, raw := range rawMessages {
		message, err := parseMessage(raw)
		if err != nil {
			glog.Infof("[ss]drop message %d = %s\n", i, err)
			continue
		}
		if err := self.apply(&message); err != nil {
			glog.Infof("[ss]drop %s(%d) = %s\n", message.tag, message.objectId, err)
		}
	}
}

func (self *Session) apply(message *serverMessage) error {
	switch message.tag {
	case messageRegisterBlock:
		block := newBlock(self, message.url, message.interfaces)
		self.register(message.objectId, block, block.push)
		glog.V(2).Infof("[ss]register_block %d %s\n", message.objectId, message.url)
		return nil
	case messageRegisterCell:
		cell, update, err := self.buildCell(message)
		if err != nil {
			return err
		}
		self.register(message.objectId, cell, update)
		glog.V(2).Infof("[ss]register_cell %d %s\n", message.objectId, message.url)
		return nil
	case messageValue:
		self.stateLock.Lock()
		update, ok := self.updates[message.objectId]
		self.stateLock.Unlock()
		if !ok {
			return fmt.Errorf("unknown object id %d", message.objectId)
		}
		return update(message.payload)
	case messageDelete:
		self.stateLock.Lock()
		_, ok := self.nodes[message.objectId]
		if ok {
			delete(self.nodes, message.objectId)
			delete(self.updates, message.objectId)
		}
		self.stateLock.Unlock()
		if !ok {
			return fmt.Errorf("unknown object id %d", message.objectId)
		}
		glog.V(2).Infof("[ss]delete %d\n", message.objectId)
		return nil
	case messageDone:
		self.stateLock.Lock()
		complete, ok := self.pending[message.requestId]
		if ok {
			delete(self.pending, message.requestId)
		}
		self.stateLock.Unlock()
		if !ok {
			return fmt.Errorf("unknown request id %s", message.requestId)
		}
		complete()
		return nil
	default:
		return fmt.Errorf("unrecognized message tag")
	}
}

func (self *Session) register(objectId ObjectId, node any, update func(payload json.RawMessage) error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.nodes[objectId] = node
	self.updates[objectId] = update
}

// buildCell selects the cell variant from the descriptor shape. The
// variant is fixed here, once; nothing downstream inspects types again.
func (self *Session) buildCell(message *serverMessage) (Cell, func(payload json.RawMessage) error, error) {
	descriptor, err := parseCellDescriptor(message.descriptor)
	if err != nil {
		return nil, nil, err
	}
	valueType, err := DecodeType(descriptor.Metadata.ValueType)
	if err != nil {
		return nil, nil, err
	}
	metadata := CellMetadata{
		ValueType: valueType,
		Naming:    descriptor.Metadata.Naming,
		Writable:  descriptor.Writable,
	}

	switch valueType.(type) {
	case *ReferenceT:
		cell := newReferenceCell(message.url, metadata, self)
		return cell, cell.push, nil
	case *BulkDataT:
		cell := newBulkCell(message.url, metadata)
		return cell, cell.push, nil
	}
	if descriptor.Kind == "command_cell" {
		cell := newCommandCell(message.url, metadata, self, message.objectId)
		return cell, cell.push, nil
	}
	if descriptor.Writable {
		cell := newWritableCell(message.url, metadata, descriptor.Current, self, message.objectId)
		return cell, cell.push, nil
	}
	cell := newValueCell(message.url, metadata, descriptor.Current)
	return cell, cell.push, nil
}

// sendSet implements writeSender. The completion is dropped with the
// session if the connection dies before the matching done arrives.
func (self *Session) sendSet(objectId ObjectId, value any, complete func()) error {
	requestId := NewId()
	frame, err := encodeSet(objectId, value, requestId)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	self.pending[requestId.String()] = complete
	self.stateLock.Unlock()

	if err := self.send(frame); err != nil {
		self.stateLock.Lock()
		delete(self.pending, requestId.String())
		self.stateLock.Unlock()
		return err
	}
	glog.V(2).Infof("[ss]set %d -> %s\n", objectId, requestId)
	return nil
}

// Block is a named mapping from string keys to graph nodes, mirroring a
// server-side structured object. The server always pushes block contents
// as a complete snapshot, never an incremental patch.
type Block struct {
	session    *Session
	url        string
	interfaces []string

	stateLock sync.Mutex
	children  map[string]any

	reshapeObservers *CallbackList[func()]
}

func newBlock(session *Session, url string, interfaces []string) *Block {
	return &Block{
		session:          session,
		url:              url,
		interfaces:       slices.Clone(interfaces),
		children:         map[string]any{},
		reshapeObservers: NewCallbackList[func()](),
	}
}

func (self *Block) Url() string {
	return self.url
}

func (self *Block) Interfaces() []string {
	return self.interfaces
}

func (self *Block) Keys() []string {
	self.stateLock.Lock()
	keys := maps.Keys(self.children)
	self.stateLock.Unlock()
	slices.Sort(keys)
	return keys
}

func (self *Block) Child(key string) (any, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	child, ok := self.children[key]
	return child, ok
}

// Snapshot returns a copy of the current key -> node mapping.
func (self *Block) Snapshot() map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Clone(self.children)
}

// SubscribeReshape observes key set changes, as opposed to value changes
// of individual cells.
func (self *Block) SubscribeReshape(callback func()) *Subscription {
	callbackId := self.reshapeObservers.Add(callback)
	return &Subscription{
		unsubscribe: func() {
			self.reshapeObservers.Remove(callbackId)
		},
	}
}

// push replaces the entire key set from an id-keyed snapshot and fires
// exactly one reshape notification. A reference to an unregistered id
// fails the whole message, leaving the previous key set in place.
func (self *Block) push(payload json.RawMessage) error {
	var refs map[string]ObjectId
	if err := json.Unmarshal(payload, &refs); err != nil {
		return fmt.Errorf("block %s: payload is not an id snapshot: %w", self.url, err)
	}

	children := make(map[string]any, len(refs))
	for key, objectId := range refs {
		node, ok := self.session.node(objectId)
		if !ok {
			return fmt.Errorf("block %s: unknown object id %d for key %s", self.url, objectId, key)
		}
		children[key] = node
	}

	self.stateLock.Lock()
	self.children = children
	self.stateLock.Unlock()

	for _, callback := range self.reshapeObservers.Get() {
		callback()
	}
	return nil
}
