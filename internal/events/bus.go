// Package events carries state-change notifications from the core to
// display transports. Delivery is best-effort: a slow subscriber loses
// events rather than blocking the publisher.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DashboardUpdate     = "dashboard.update"
	AnalyticsNewRequest = "analytics.newRequest"
	AccountStatusChange = "account.statusChange"
)

// Event is one named notification with an arbitrary JSON-serializable body.
type Event struct {
	Name string    `json:"event"`
	Data any       `json:"data"`
	Time time.Time `json:"timestamp"`
}

// RequestEvent is the analytics payload emitted per completed call.
type RequestEvent struct {
	Model            string    `json:"model"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	LatencyMs        int64     `json:"latencyMs"`
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
}

// Bus fans events out to subscribers. Constructed once and injected; there
// is no package-level instance.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
	log  zerolog.Logger
}

func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[int]chan Event),
		log:  log,
	}
}

// Subscribe registers a buffered listener. The returned cancel func must be
// called to release the subscription.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber, dropping it for any whose
// buffer is full.
func (b *Bus) Publish(name string, data any) {
	ev := Event{Name: name, Data: data, Time: time.Now()}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Debug().Str("event", name).Int("subscriber", id).Msg("event dropped for slow subscriber")
		}
	}
}

func (b *Bus) EmitDashboardUpdate(data any) {
	b.Publish(DashboardUpdate, data)
}

func (b *Bus) EmitAnalyticsRequest(ev RequestEvent) {
	b.Publish(AnalyticsNewRequest, ev)
}

func (b *Bus) EmitAccountStatusChange(data any) {
	b.Publish(AccountStatusChange, data)
}
