// Package publish makes refreshed summaries available to display surfaces.
package publish

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/realm-aggregator/internal/model"
)

// subscriberBuffer is how many updates a subscriber may lag behind before
// updates to it are dropped
const subscriberBuffer = 4

// Hub holds the latest summary of every realm and fans updates out to
// subscribers. The last published summary wins.
type Hub struct {
	mu     sync.RWMutex
	latest map[string]*model.Summary
	subs   map[string]map[int]chan *model.Summary
	nextID int
	sinks  []Sink
}

// Sink receives every published summary, e.g. an Exporter
type Sink interface {
	Add(summary *model.Summary)
}

// NewHub creates an empty hub that also forwards to sinks
func NewHub(sinks ...Sink) *Hub {
	return &Hub{
		latest: make(map[string]*model.Summary),
		subs:   make(map[string]map[int]chan *model.Summary),
		sinks:  sinks,
	}
}

// Publish replaces the realm's latest summary and notifies subscribers.
// Subscribers that are not keeping up miss the update.
func (h *Hub) Publish(summary *model.Summary) {
	if summary == nil {
		return
	}

	h.mu.Lock()
	h.latest[summary.RealmID] = summary
	for id, ch := range h.subs[summary.RealmID] {
		select {
		case ch <- summary:
		default:
			logrus.WithFields(logrus.Fields{
				"realm":      summary.RealmID,
				"subscriber": id,
			}).Debug("Subscriber lagging, dropping update")
		}
	}
	h.mu.Unlock()

	for _, sink := range h.sinks {
		sink.Add(summary)
	}
}

// Latest returns the realm's current summary
func (h *Hub) Latest(realmID string) (*model.Summary, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.latest[realmID]
	return s, ok
}

// RealmIDs lists the realms that have a summary, sorted
func (h *Hub) RealmIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.latest))
	for id := range h.latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Subscribe returns a channel receiving every summary published for the realm
// and a func that ends the subscription and closes the channel
func (h *Hub) Subscribe(realmID string) (<-chan *model.Summary, func()) {
	ch := make(chan *model.Summary, subscriberBuffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	if h.subs[realmID] == nil {
		h.subs[realmID] = make(map[int]chan *model.Summary)
	}
	h.subs[realmID][id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[realmID], id)
			if len(h.subs[realmID]) == 0 {
				delete(h.subs, realmID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
