package main

import (
	"sync/atomic"

	"github.com/breez/data-mirror/docrpc"
)

// subscriberBuffer bounds the events queued for one TrackChanges stream.
// Events beyond it are dropped; clients recover with ListChanges.
const subscriberBuffer = 64

type unsubscribe struct {
	namespace string
	id        int64
}

type subscription struct {
	id         int64
	namespace  string
	eventsChan chan *changeEvent
}

type eventsManager struct {
	globalIDs atomic.Int64
	streams   map[string][]*subscription
	msgChan   chan interface{}
	quitChan  chan struct{}
}

func newEventsManager() *eventsManager {
	return &eventsManager{
		streams: make(map[string][]*subscription),
		msgChan: make(chan interface{}),
	}
}

func (c *eventsManager) start(quitChan chan struct{}) {
	c.quitChan = quitChan
	go func() {
		for {
			select {
			case msg := <-c.msgChan:
				switch m := msg.(type) {
				case *subscription:
					c.streams[m.namespace] = append(c.streams[m.namespace], m)
				case *unsubscribe:
					var remaining []*subscription
					for _, sub := range c.streams[m.namespace] {
						if sub.id != m.id {
							remaining = append(remaining, sub)
							continue
						}
						close(sub.eventsChan)
					}
					delete(c.streams, m.namespace)
					if len(remaining) > 0 {
						c.streams[m.namespace] = remaining
					}
				case *changeEvent:
					for _, sub := range c.streams[m.namespace] {
						select {
						case sub.eventsChan <- m:
						default:
						}
					}
				}

			case <-quitChan:
				return
			}
		}
	}()
}

func (c *eventsManager) notifyChange(namespace string, document *docrpc.Document) {
	c.send(&changeEvent{namespace: namespace, document: document})
}

func (c *eventsManager) subscribe(namespace string) *subscription {
	s := &subscription{
		id:         c.globalIDs.Add(1),
		namespace:  namespace,
		eventsChan: make(chan *changeEvent, subscriberBuffer),
	}
	c.send(s)
	return s
}

func (c *eventsManager) unsubscribe(namespace string, id int64) {
	c.send(&unsubscribe{namespace: namespace, id: id})
}

// send drops the message once the manager has stopped.
func (c *eventsManager) send(msg interface{}) {
	select {
	case c.msgChan <- msg:
	case <-c.quitChan:
	}
}
