package model

import "context"

// Notifier defines a generic interface for sending notifications.
type Notifier interface {
	Send(ctx context.Context, subject, body string) error
}
