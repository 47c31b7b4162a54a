// SPDX-License-Identifier: GPL-2.0-or-later

package web

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"osdburn/pkg/pipeline"

	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	wg := &sync.WaitGroup{}
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(wg)
	hub.Start(ctx)
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return hub
}

func receive(t *testing.T, feed <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-feed:
		require.True(t, ok, "feed closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
	return Message{}
}

func TestHub(t *testing.T) {
	t.Run("publish", func(t *testing.T) {
		hub := newTestHub(t)
		feed1, cancel1 := hub.Subscribe()
		defer cancel1()
		feed2, cancel2 := hub.Subscribe()
		defer cancel2()

		msg := Message{Type: MessageProgress, Job: "1", Progress: &pipeline.Progress{FramesEncoded: 5}}
		hub.Publish(msg)
		require.Equal(t, msg, receive(t, feed1))
		require.Equal(t, msg, receive(t, feed2))
	})
	t.Run("replay", func(t *testing.T) {
		hub := newTestHub(t)
		init := Message{Type: MessageInit, Job: "1", ExpectedFrames: 10}
		progress1 := Message{Type: MessageProgress, Job: "1", Progress: &pipeline.Progress{FramesEncoded: 1}}
		progress2 := Message{Type: MessageProgress, Job: "1", Progress: &pipeline.Progress{FramesEncoded: 2}}
		hub.Publish(init)
		hub.Publish(progress1)
		hub.Publish(progress2)
		hub.Publish(Message{Type: MessagePreview, Job: "1"})

		feed, cancel := hub.Subscribe()
		defer cancel()
		require.Equal(t, init, receive(t, feed))
		require.Equal(t, progress2, receive(t, feed))

		hub.Publish(Message{Type: MessageComplete, Job: "1"})
		require.Equal(t, MessageComplete, receive(t, feed).Type)

		feed2, cancel2 := hub.Subscribe()
		defer cancel2()
		select {
		case msg := <-feed2:
			t.Fatalf("unexpected replay: %v", msg)
		case <-time.After(10 * time.Millisecond):
		}
	})
	t.Run("slowSubscriber", func(t *testing.T) {
		hub := newTestHub(t)
		feed, cancel := hub.Subscribe()
		defer cancel()

		for i := 0; i < subscriberBuffer*2; i++ {
			hub.Publish(Message{Type: MessagePreview, Index: i})
		}
		for i := 0; i < subscriberBuffer; i++ {
			require.Equal(t, i, receive(t, feed).Index)
		}
	})
	t.Run("cancel", func(t *testing.T) {
		hub := newTestHub(t)
		feed, cancel := hub.Subscribe()
		cancel()
		cancel()
		_, ok := <-feed
		require.False(t, ok)
	})
	t.Run("stop", func(t *testing.T) {
		wg := &sync.WaitGroup{}
		ctx, cancel := context.WithCancel(context.Background())
		hub := NewHub(wg)
		hub.Start(ctx)
		feed, unsub := hub.Subscribe()

		cancel()
		wg.Wait()
		_, ok := <-feed
		require.False(t, ok)

		unsub()
		hub.Publish(Message{})
		feed, _ = hub.Subscribe()
		_, ok = <-feed
		require.False(t, ok)
	})
}

func TestPreviewMessage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	img.Set(1, 1, color.RGBA{R: 0xff, A: 0xff})

	msg, err := PreviewMessage("job", 15, img)
	require.NoError(t, err)
	require.Equal(t, MessagePreview, msg.Type)
	require.Equal(t, "job", msg.Job)
	require.Equal(t, 15, msg.Index)

	raw, err := base64.StdEncoding.DecodeString(msg.Preview)
	require.NoError(t, err)
	decoded, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, img.Bounds(), decoded.Bounds())
	r, _, _, _ := decoded.At(1, 1).RGBA()
	require.Equal(t, uint32(0xffff), r)
}
