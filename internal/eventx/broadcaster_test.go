package eventx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_FansOut(t *testing.T) {
	b := New[int]()
	ch1, off1 := b.Subscribe()
	ch2, off2 := b.Subscribe()
	defer off1()
	defer off2()

	b.Publish(7)
	assert.Equal(t, 7, <-ch1)
	assert.Equal(t, 7, <-ch2)
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	b := New[string]()
	ch, off := b.Subscribe()
	off()

	_, open := <-ch
	assert.False(t, open)

	// publishing after unsubscribe must not panic
	b.Publish("x")
}

func TestPublish_DropsWhenBufferFull(t *testing.T) {
	b := New[int]()
	ch, off := b.Subscribe()
	defer off()

	for i := 0; i < subscriberBuffer+5; i++ {
		b.Publish(i)
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}
	require.Equal(t, subscriberBuffer, received)
}

func TestClose_ClosesAll(t *testing.T) {
	b := New[int]()
	ch, _ := b.Subscribe()
	b.Close()

	_, open := <-ch
	assert.False(t, open)
}
