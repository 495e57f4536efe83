package realtime

import (
	"context"
	"sync"
	"time"
)

const (
	// EventDocumentChanged is published after commits or metadata land in a document.
	EventDocumentChanged = "document-change"
	// EventDocumentDeleted is published after a document has been removed.
	EventDocumentDeleted = "document-delete"
	// EventHeartbeat keeps idle streams open.
	EventHeartbeat = "heartbeat"

	defaultBufferSize = 16
)

// Message describes a change to one document.
type Message struct {
	Document  string    `json:"document"`
	EventType string    `json:"event"`
	Version   int64     `json:"version,omitempty"`
	Master    string    `json:"master,omitempty"`
	Author    string    `json:"author,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher fans messages out to in-process subscribers keyed by document id.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Message
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a stream for document. The subscription ends when ctx is
// cancelled or cleanup is called.
func (d *Dispatcher) Subscribe(ctx context.Context, document string) (<-chan Message, func()) {
	if document == "" {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}
	entry := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Message, d.bufferSize),
	}
	d.register(document, entry)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(document, entry.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return entry.stream, cleanup
}

// Publish delivers message to every subscriber of its document. Slow subscribers miss messages.
func (d *Dispatcher) Publish(message Message) {
	if message.Document == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Document]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, entry := range subscribers {
		copies = append(copies, entry)
	}
	d.mu.RUnlock()
	for _, entry := range copies {
		select {
		case entry.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the number of live subscriptions for document.
func (d *Dispatcher) SubscriberCount(document string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[document])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(document string, entry *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[document]; !ok {
		d.subscribers[document] = make(map[int64]*subscriber)
	}
	d.subscribers[document][entry.id] = entry
}

func (d *Dispatcher) unregister(document string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[document]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, document)
		}
	}
	d.mu.Unlock()
}
