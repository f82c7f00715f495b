package wallet

import (
	"fmt"

	"go.uber.org/zap"
)

// subscriberEntry pairs a callback with its optional completion handle
// (§3.3, §4.5). done, if non-nil, receives the callback's returned error
// (or a synthesized one if the callback panicked); callbacks without a
// completion handle have their errors logged instead of propagated.
type subscriberEntry struct {
	id   int64
	cb   func(*Container) error
	done chan error
}

// Subscribe registers cb to be invoked once per notification cycle. If
// called while a dispatch cycle is in progress, the registration is
// deferred to the next cycle so a callback can never observe its own
// registration event.
func (c *Container) Subscribe(cb func(*Container) error, done chan error) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSubID++
	id := c.nextSubID
	entry := subscriberEntry{id: id, cb: cb, done: done}

	if c.dispatching {
		c.pendingSubs[id] = entry
	} else {
		c.subs[id] = entry
	}
	return id, nil
}

// Unsubscribe removes a previously registered subscriber. Unsubscribing an
// unknown id is an observable error, not a fatal one (§4.1).
func (c *Container) Unsubscribe(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[id]; ok {
		delete(c.subs, id)
		return nil
	}
	if _, ok := c.pendingSubs[id]; ok {
		delete(c.pendingSubs, id)
		return nil
	}
	return fmt.Errorf("wallet: unsubscribe: no subscriber with id %d", id)
}

// runAndNotify wraps a public entry point: op runs to completion (success
// or failure), then if the dirty flag was set during op, the dispatcher
// fans out to every subscriber exactly once (§4.5).
func (c *Container) runAndNotify(op func() error) error {
	err := op()
	c.dispatchIfDirty()
	return err
}

// dispatchIfDirty fans out to every currently-registered subscriber exactly
// once if notify is set, then folds in any subscriptions registered mid-
// dispatch for the next cycle.
func (c *Container) dispatchIfDirty() {
	c.mu.Lock()
	if !c.notify {
		c.mu.Unlock()
		return
	}
	c.notify = false
	c.dispatching = true

	snapshot := make([]subscriberEntry, 0, len(c.subs))
	for _, s := range c.subs {
		snapshot = append(snapshot, s)
	}
	c.mu.Unlock()

	outcome := "ok"
	for _, s := range snapshot {
		if err := c.invokeSubscriber(s); err != nil {
			outcome = "error"
		}
	}
	c.metrics.ObserveNotification(outcome)

	c.mu.Lock()
	c.dispatching = false
	for id, s := range c.pendingSubs {
		c.subs[id] = s
	}
	c.pendingSubs = map[int64]subscriberEntry{}
	c.mu.Unlock()
}

func (c *Container) invokeSubscriber(s subscriberEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber callback panicked: %v", r)
			c.logger.Error("wallet: subscriber callback panicked", zap.Any("panic", r))
			if s.done != nil {
				s.done <- err
			}
		}
	}()

	err = s.cb(c)
	if s.done != nil {
		s.done <- err
	} else if err != nil {
		c.logger.Warn("wallet: subscriber callback failed", zap.Error(err))
	}
	return err
}
