package loopii

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestMonitorNotifyAll(t *testing.T) {
	monitor := NewMonitor()

	notify := monitor.NotifyChannel()
	select {
	case <-notify:
		t.Fatal("channel closed before notify")
	default:
	}

	monitor.NotifyAll()
	select {
	case <-notify:
	case <-time.After(time.Second):
		t.Fatal("notify did not close the channel")
	}

	// each wait re-acquires a fresh channel
	next := monitor.NotifyChannel()
	select {
	case <-next:
		t.Fatal("fresh channel already closed")
	default:
	}
}

func TestCallbackList(t *testing.T) {
	list := NewCallbackList[*toastListenerEntry]()

	a := &toastListenerEntry{}
	b := &toastListenerEntry{}

	list.Add(a)
	list.Add(a)
	list.Add(b)
	assert.Equal(t, 2, len(list.Get()))

	list.Remove(a)
	assert.Equal(t, []*toastListenerEntry{b}, list.Get())

	list.Remove(a)
	assert.Equal(t, 1, len(list.Get()))
}

func TestReconnectCountsElapsedTime(t *testing.T) {
	reconnect := NewReconnect(50 * time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	// the delay already elapsed during the attempt, fire immediately
	select {
	case <-reconnect.After():
	case <-time.After(time.Second):
		t.Fatal("reconnect did not fire")
	}
}
