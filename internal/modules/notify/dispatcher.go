// Package notify delivers out-of-band push notifications to drivers via FCM.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"firebase.google.com/go/v4/messaging"
)

var (
	ErrDispatchFailure = errors.New("push dispatch failed")
	// ErrTokenInvalid marks failures where the device token itself is dead and
	// should be dropped. It is always wrapped together with ErrDispatchFailure.
	ErrTokenInvalid = errors.New("push token invalid or expired")
	ErrDisabled     = errors.New("push notifications disabled")
)

type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

type Dispatcher interface {
	Send(ctx context.Context, token string, msg Message) error
}

// messageSender is the subset of *messaging.Client used here.
type messageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type FCMDispatcher struct {
	client       messageSender
	log          *slog.Logger
	tokenInvalid func(error) bool
}

func NewFCMDispatcher(client *messaging.Client, log *slog.Logger) *FCMDispatcher {
	return newFCMDispatcher(client, log)
}

func newFCMDispatcher(client messageSender, log *slog.Logger) *FCMDispatcher {
	return &FCMDispatcher{
		client:       client,
		log:          log.With("component", "notify"),
		tokenInvalid: isTokenInvalid,
	}
}

func (d *FCMDispatcher) Send(ctx context.Context, token string, msg Message) error {
	if token == "" {
		return fmt.Errorf("%w: empty device token", ErrDispatchFailure)
	}
	message := &messaging.Message{
		Token: token,
		Data:  msg.Data,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}

	messageID, err := d.client.Send(ctx, message)
	if err != nil {
		d.log.ErrorContext(ctx, "push send failed", "title", msg.Title, "token_length", len(token), "error", err)
		if d.tokenInvalid(err) {
			return fmt.Errorf("%w: %w: %v", ErrDispatchFailure, ErrTokenInvalid, err)
		}
		return fmt.Errorf("%w: %v", ErrDispatchFailure, err)
	}
	d.log.InfoContext(ctx, "push sent", "title", msg.Title, "message_id", messageID)
	return nil
}

func isTokenInvalid(err error) bool {
	return messaging.IsRegistrationTokenNotRegistered(err) || messaging.IsInvalidArgument(err)
}

// NoopDispatcher is used when Firebase is not configured.
type NoopDispatcher struct {
	log *slog.Logger
}

func NewNoopDispatcher(log *slog.Logger) *NoopDispatcher {
	return &NoopDispatcher{log: log.With("component", "notify")}
}

func (d *NoopDispatcher) Send(ctx context.Context, _ string, msg Message) error {
	d.log.WarnContext(ctx, "firebase not configured, skipping push", "title", msg.Title)
	return fmt.Errorf("%w: %w", ErrDispatchFailure, ErrDisabled)
}
