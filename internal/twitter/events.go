package twitter

import (
	"time"
)

// ClientEvent is the closed set of diagnostic events the platform client
// emits. Consumers receive them via Client.Events.
type ClientEvent interface{ clientEvent() }

type RateLimitExceededEvent struct {
	Endpoint         Endpoint
	RateLimitedUntil time.Time
}

type UnknownResponseEvent struct {
	Endpoint   Endpoint
	StatusCode int
	Body       string
}

type TokenRefreshedEvent struct {
	ExpiresIn time.Duration
}

type TokenRefreshErrorEvent struct {
	Err error
}

func (RateLimitExceededEvent) clientEvent() {}
func (UnknownResponseEvent) clientEvent()   {}
func (TokenRefreshedEvent) clientEvent()    {}
func (TokenRefreshErrorEvent) clientEvent() {}

// ManagerEvent is the closed set of events the account manager emits.
type ManagerEvent interface{ managerEvent() }

// SubscriptionEvent reports one entity subscribed to one username.
type SubscriptionEvent struct {
	Username string
	ChainID  string
	Address  string
}

// UnsubscriptionEvent reports one entity unsubscribed from one member.
type UnsubscriptionEvent struct {
	Username               string
	ChainID                string
	Address                string
	SubscriptionsRemaining int
}

// ErroredSubscriptionEvent reports a classified terminal subscription
// failure; the subscription is dropped, not retried.
type ErroredSubscriptionEvent struct {
	Username string
	ChainID  string
	Address  string
	Reason   SubscriptionErrorReason
	Err      error
}

// AttributedTweet carries one tweet fanned out to one subscribing entity.
type AttributedTweet struct {
	Event AttributedTweetEvent
}

func (SubscriptionEvent) managerEvent()        {}
func (UnsubscriptionEvent) managerEvent()      {}
func (ErroredSubscriptionEvent) managerEvent() {}
func (AttributedTweet) managerEvent()          {}
