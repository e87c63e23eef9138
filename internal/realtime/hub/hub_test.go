package hub

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delivtrack/internal/logging"
)

func decode(t *testing.T, raw []byte) (string, map[string]any) {
	t.Helper()
	var env struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	return env.Type, env.Data
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "driver:d1", DriverChannel("d1"))
	assert.Equal(t, "customer:c1", CustomerChannel("c1"))
	assert.Equal(t, "admins", AdminChannel)
}

func TestPublish_OnlyReachesChannelMembers(t *testing.T) {
	h := New(4, logging.Discard())
	admin := h.Subscribe(AdminChannel)
	c1 := h.Subscribe(CustomerChannel("c1"))
	c2 := h.Subscribe(CustomerChannel("c2"))

	n := h.Publish(CustomerChannel("c1"), "driverLocationUpdate", map[string]any{"lat": 1.5})
	assert.Equal(t, 1, n)

	select {
	case raw := <-c1.Messages():
		typ, data := decode(t, raw)
		assert.Equal(t, "driverLocationUpdate", typ)
		assert.Equal(t, 1.5, data["lat"])
	default:
		t.Fatal("c1 should have a queued message")
	}
	assert.Empty(t, c2.Messages())
	assert.Empty(t, admin.Messages())

	assert.Zero(t, h.Publish("customer:nobody", "x", nil))
}

func TestSend_DropsOldestWhenFull(t *testing.T) {
	h := New(2, logging.Discard())
	s := h.Subscribe(AdminChannel)

	for i := 1; i <= 5; i++ {
		h.Publish(AdminChannel, "tick", map[string]int{"n": i})
	}
	assert.EqualValues(t, 3, s.Dropped())

	_, first := decode(t, <-s.Messages())
	_, second := decode(t, <-s.Messages())
	assert.EqualValues(t, 4, first["n"])
	assert.EqualValues(t, 5, second["n"])
}

func TestUnsubscribe(t *testing.T) {
	h := New(4, logging.Discard())
	s := h.Subscribe(AdminChannel)
	require.Equal(t, 1, h.Members(AdminChannel))

	h.Unsubscribe(s)
	h.Unsubscribe(s)
	assert.Zero(t, h.Members(AdminChannel))
	assert.Zero(t, h.Publish(AdminChannel, "x", nil))

	select {
	case <-s.Done():
	default:
		t.Fatal("done should be closed")
	}
	assert.False(t, s.Send([]byte("late")))
	assert.Empty(t, s.Messages())
}

func TestClose(t *testing.T) {
	h := New(1, logging.Discard())
	a := h.Subscribe(AdminChannel)
	b := h.Subscribe(DriverChannel("d1"))
	h.Close()
	<-a.Done()
	<-b.Done()
	assert.Zero(t, h.Members(AdminChannel))
}

func TestPublish_ConcurrentWithUnsubscribe(t *testing.T) {
	h := New(8, logging.Discard())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		s := h.Subscribe(AdminChannel)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.Publish(AdminChannel, "tick", j)
			}
		}()
		go func() {
			defer wg.Done()
			h.Unsubscribe(s)
		}()
	}
	wg.Wait()
	assert.Zero(t, h.Members(AdminChannel))
}
