// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package web

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"sync"

	"osdburn/pkg/pipeline"
)

// MessageType progress message type.
type MessageType string

// Message types.
const (
	MessageInit     MessageType = "init"
	MessageProgress MessageType = "progress"
	MessagePreview  MessageType = "preview"
	MessageComplete MessageType = "complete"
	MessageError    MessageType = "error"
)

// Message is sent to progress subscribers as JSON.
type Message struct {
	Type MessageType `json:"type"`
	Job  string      `json:"job"`

	// Init.
	ExpectedFrames int `json:"expectedFrames,omitempty"`
	TinyFrames     int `json:"tinyFrames,omitempty"`

	Progress *pipeline.Progress `json:"progress,omitempty"`

	// Preview frame index and base64 encoded PNG.
	Index   int    `json:"index,omitempty"`
	Preview string `json:"preview,omitempty"`

	Error string `json:"error,omitempty"`
}

// PreviewMessage encodes img as a preview message.
func PreviewMessage(jobID string, index int, img image.Image) (Message, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Message{}, fmt.Errorf("encode preview: %w", err)
	}
	return Message{
		Type:    MessagePreview,
		Job:     jobID,
		Index:   index,
		Preview: base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// subscriberBuffer messages are dropped for subscribers that fall further behind.
const subscriberBuffer = 64

type hubFeed chan Message

// Hub fans out job messages to websocket subscribers.
// Publish never blocks on a slow subscriber.
type Hub struct {
	feed  chan Message
	sub   chan hubFeed
	unsub chan hubFeed
	done  chan struct{}

	wg *sync.WaitGroup
}

// NewHub returns a hub, call Start before publishing.
func NewHub(wg *sync.WaitGroup) *Hub {
	return &Hub{
		feed:  make(chan Message),
		sub:   make(chan hubFeed),
		unsub: make(chan hubFeed),
		done:  make(chan struct{}),
		wg:    wg,
	}
}

// Start hub.
func (h *Hub) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer close(h.done)

		subs := map[hubFeed]struct{}{}

		// Replayed to new subscribers so they see the running job.
		var init, last *Message

		for {
			select {
			case <-ctx.Done():
				for ch := range subs {
					close(ch)
				}
				return

			case ch := <-h.sub:
				subs[ch] = struct{}{}
				if init != nil {
					ch <- *init
				}
				if last != nil {
					ch <- *last
				}

			case ch := <-h.unsub:
				close(ch)
				delete(subs, ch)

			case msg := <-h.feed:
				switch msg.Type {
				case MessageInit:
					init, last = &msg, nil
				case MessageProgress:
					last = &msg
				case MessageComplete, MessageError:
					init, last = nil, nil
				case MessagePreview:
				}
				for ch := range subs {
					select {
					case ch <- msg:
					default:
					}
				}
			}
		}
	}()
}

// Publish sends msg to every subscriber.
func (h *Hub) Publish(msg Message) {
	select {
	case h.feed <- msg:
	case <-h.done:
	}
}

// Subscribe returns a message feed and a CancelFunc. The feed is
// closed when the hub stops or the subscription is canceled.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	feed := make(hubFeed, subscriberBuffer)
	select {
	case h.sub <- feed:
	case <-h.done:
		close(feed)
		return feed, func() {}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			select {
			case h.unsub <- feed:
			case <-h.done:
			}
		})
	}
	return feed, cancel
}
