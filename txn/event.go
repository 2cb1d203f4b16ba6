/*
 * Copyright 2024 The Weavego Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package txn

import (
	"context"
	"sync"

	"github.com/weavego/weavego/api/types"
)

// EventTransport delivers published events to the outside world. The MQTT
// client in utils/mqtt satisfies it.
type EventTransport interface {
	Publish(topic string, payload []byte) error
}

// Event is one deferred message.
type Event struct {
	Topic   string
	Payload []byte
}

// EventPublisher publishes events with transactional semantics: inside an
// active transaction events are buffered and delivered only after a
// successful commit; a rollback drops them. Outside a transaction events go
// out immediately.
//
// EventPublisher 以事务语义发布事件：在活动事务内事件被缓冲，提交成功后才投递；
// 回滚则丢弃。不在事务内时立即投递。
type EventPublisher struct {
	Transport EventTransport
	Logger    types.Logger
}

// NewEventPublisher creates a publisher over the transport.
func NewEventPublisher(transport EventTransport) *EventPublisher {
	return &EventPublisher{Transport: transport, Logger: types.DefaultLogger()}
}

// Publish queues or sends the event depending on transactional state.
func (p *EventPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if p.Transport == nil {
		return types.NewConfigurationError("event publisher has no transport")
	}
	holder := HolderFrom(ctx)
	if holder == nil || !holder.IsSynchronizationActive() {
		return p.Transport.Publish(topic, payload)
	}
	buffer := p.bufferFor(holder)
	buffer.add(Event{Topic: topic, Payload: payload})
	return nil
}

type eventBufferKey struct{ publisher *EventPublisher }

// bufferFor returns the buffer synchronization registered for this publisher
// in the current transaction, registering one on first use.
func (p *EventPublisher) bufferFor(holder *SynchronizationHolder) *eventBuffer {
	key := eventBufferKey{publisher: p}
	if existing, ok := holder.GetResource(key).(*eventBuffer); ok {
		return existing
	}
	buffer := &eventBuffer{publisher: p, holder: holder, key: key}
	if err := holder.BindResource(key, buffer); err != nil {
		// Raced registration: reuse the winner.
		if existing, ok := holder.GetResource(key).(*eventBuffer); ok {
			return existing
		}
	}
	if err := holder.RegisterSynchronization(buffer); err != nil && p.Logger != nil {
		p.Logger.Printf("failed to register transactional event buffer: %v", err)
	}
	return buffer
}

// eventBuffer holds events until the owning transaction completes.
type eventBuffer struct {
	SynchronizationAdapter
	publisher *EventPublisher
	holder    *SynchronizationHolder
	key       eventBufferKey

	mu     sync.Mutex
	events []Event
}

func (b *eventBuffer) add(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *eventBuffer) drain() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := b.events
	b.events = nil
	return events
}

// AfterCommit delivers the buffered events. A transport failure surfaces to
// the committer but cannot undo the commit.
func (b *eventBuffer) AfterCommit() error {
	for _, event := range b.drain() {
		if err := b.publisher.Transport.Publish(event.Topic, event.Payload); err != nil {
			return err
		}
	}
	return nil
}

// AfterCompletion unbinds the buffer; on rollback the events are dropped.
func (b *eventBuffer) AfterCompletion(status types.CompletionStatus) {
	if status != types.CompletionCommitted {
		dropped := b.drain()
		if len(dropped) > 0 && b.publisher.Logger != nil {
			b.publisher.Logger.Printf("dropping %d transactional events after rollback", len(dropped))
		}
	}
	if _, err := b.holder.UnbindResource(b.key); err != nil && b.publisher.Logger != nil {
		b.publisher.Logger.Printf("event buffer unbind: %v", err)
	}
}
