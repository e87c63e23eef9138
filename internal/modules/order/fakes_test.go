package order

import (
	"context"
	"sync"

	"delivtrack/internal/modules/notify"
	"delivtrack/internal/modules/user"
	"delivtrack/internal/types"
)

type fakeDrivers struct {
	mu      sync.Mutex
	users   map[types.ID]*user.User
	cleared []string
}

func newFakeDrivers(users ...*user.User) *fakeDrivers {
	d := &fakeDrivers{users: map[types.ID]*user.User{}}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *fakeDrivers) Get(_ context.Context, id types.ID) (*user.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (d *fakeDrivers) ClearPushToken(_ context.Context, id types.ID, token string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok || u.PushToken == nil || *u.PushToken != token {
		return false, nil
	}
	u.PushToken = nil
	d.cleared = append(d.cleared, token)
	return true, nil
}

type sentPush struct {
	Token string
	Msg   notify.Message
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentPush
	err  error
}

func (n *fakeNotifier) Send(_ context.Context, token string, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentPush{Token: token, Msg: msg})
	return n.err
}

func (n *fakeNotifier) Sent() []sentPush {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentPush(nil), n.sent...)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *fakePublisher) PublishOrderEvent(_ context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *fakePublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

func driverUser(id types.ID, token string) *user.User {
	u := &user.User{ID: id, Name: "Driver " + string(id), Role: types.RoleDriver, Active: true}
	if token != "" {
		u.PushToken = &token
	}
	return u
}
