package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"mini-jsonrpc/message"
	"mini-jsonrpc/transport"
)

// MethodSubUnsub is the wallet API call that turns push events on and off
// for the calling connection.
const MethodSubUnsub = "ev_subunsub"

// Wallet API event names. Each arrives as a response whose id is the name.
const (
	EventSyncProgress  = "ev_sync_progress"
	EventSystemState   = "ev_system_state"
	EventAssetsChanged = "ev_assets_changed"
	EventUTXOsChanged  = "ev_utxos_changed"
	EventAddrsChanged  = "ev_addrs_changed"
	EventTxsChanged    = "ev_txs_changed"
)

var (
	ErrNoEvents           = errors.New("client: subscribe needs at least one event")
	ErrSubscribeRejected  = errors.New("client: subscription rejected by server")
	ErrSubscriptionClosed = errors.New("client: subscription closed")
)

// EventHandler receives one pushed event. It runs on the connection's receive
// goroutine and must not block.
type EventHandler func(event string, payload json.RawMessage)

// Subscribe asks the server to push events and routes them to handler. The
// subscription lives on one pooled connection; if that connection ends, Done
// is closed and Err reports why. Middlewares are not applied.
func (c *Client) Subscribe(ctx context.Context, handler EventHandler, events ...string) (*Subscription, error) {
	if len(events) == 0 {
		return nil, ErrNoEvents
	}
	ct, err := c.transport(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	router := c.routers[ct]
	c.mu.Unlock()
	if router == nil {
		return nil, transport.ErrClosed
	}

	s := &Subscription{
		ct:      ct,
		router:  router,
		events:  append([]string(nil), events...),
		handler: handler,
		done:    make(chan struct{}),
	}
	// Listen before asking: the first event may follow the ack immediately.
	router.add(s)
	if err := s.toggle(ctx, events, true); err != nil {
		router.remove(s)
		return nil, err
	}
	return s, nil
}

// Subscription is an active event subscription.
type Subscription struct {
	ct      *transport.ClientTransport
	router  *eventRouter
	events  []string
	handler EventHandler

	once sync.Once
	err  error
	done chan struct{}
}

// Events returns the subscribed event names.
func (s *Subscription) Events() []string {
	return s.events
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns why the subscription ended, or nil while it is active.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close stops delivery and unsubscribes from the events no other
// subscription on the same connection still wants.
func (s *Subscription) Close(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	default:
	}
	orphaned := s.router.remove(s)
	s.finish(ErrSubscriptionClosed)
	if len(orphaned) == 0 {
		return nil
	}
	return s.toggle(ctx, orphaned, false)
}

func (s *Subscription) toggle(ctx context.Context, events []string, on bool) error {
	params := make(map[string]bool, len(events))
	for _, ev := range events {
		params[ev] = on
	}
	resp, err := s.ct.Call(ctx, MethodSubUnsub, params)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	var ok bool
	if err := json.Unmarshal(resp.Result, &ok); err != nil || !ok {
		return fmt.Errorf("%w: %s", ErrSubscribeRejected, resp.Result)
	}
	return nil
}

func (s *Subscription) wants(event string) bool {
	for _, ev := range s.events {
		if ev == event {
			return true
		}
	}
	return false
}

func (s *Subscription) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// eventRouter fans the unmatched responses of one transport out to the
// subscriptions made on it.
type eventRouter struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
	log  *zap.Logger
}

func newEventRouter(log *zap.Logger) *eventRouter {
	return &eventRouter{subs: make(map[*Subscription]struct{}), log: log}
}

func (r *eventRouter) add(s *Subscription) {
	r.mu.Lock()
	r.subs[s] = struct{}{}
	r.mu.Unlock()
}

// remove drops s and returns its events that no remaining subscription wants.
func (r *eventRouter) remove(s *Subscription) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, s)

	var orphaned []string
	for _, ev := range s.events {
		wanted := false
		for other := range r.subs {
			if other.wants(ev) {
				wanted = true
				break
			}
		}
		if !wanted {
			orphaned = append(orphaned, ev)
		}
	}
	return orphaned
}

func (r *eventRouter) dispatch(resp *message.Response) {
	event := resp.ID.String()

	r.mu.Lock()
	var targets []*Subscription
	if resp.ID.IsString() {
		for s := range r.subs {
			if s.wants(event) {
				targets = append(targets, s)
			}
		}
	}
	r.mu.Unlock()

	if len(targets) == 0 {
		r.log.Debug("unmatched response", zap.String("id", event))
		return
	}
	if resp.Error != nil {
		r.log.Warn("event carries an error", zap.String("event", event), zap.Error(resp.Error))
		return
	}
	for _, s := range targets {
		s.handler(event, resp.Result)
	}
}

func (r *eventRouter) closeAll(cause error) {
	if cause == nil {
		cause = transport.ErrClosed
	}
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[*Subscription]struct{})
	r.mu.Unlock()
	for s := range subs {
		s.finish(cause)
	}
}
