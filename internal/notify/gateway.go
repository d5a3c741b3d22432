package notify

import "context"

// UserPusher delivers an event to every live connection of a user.
type UserPusher interface {
	PushToUser(userID, event string, payload any) error
}

// GatewayNotifier pushes a "notification" event into the user's personal room.
type GatewayNotifier struct {
	Pusher UserPusher
}

func (g GatewayNotifier) Notify(_ context.Context, userID string, n Notification) error {
	return g.Pusher.PushToUser(userID, "notification", n)
}
