package store

import "time"

// MemberState is the lifecycle of a tracked platform user's list assignment.
// A member starts queued, becomes pending while an add-member call is in
// flight, and ends added once the platform confirms membership.
type MemberState string

const (
	MemberQueued  MemberState = "queued"
	MemberPending MemberState = "pending"
	MemberAdded   MemberState = "added"
)

// BotAccountCredentials is one platform identity this system controls.
// Created out-of-band by the provisioning flow; token fields are mutated on
// every OAuth2 refresh.
type BotAccountCredentials struct {
	Username string
	ID       string

	// Legacy v1.1 auth quadruple.
	APIKey         string
	APIKeySecret   string
	AccessTokenV1  string
	AccessSecretV1 string

	// OAuth2 credentials.
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string
	// Zero when the refresh token's lifetime is unknown.
	RefreshTokenValidUntil time.Time

	NumLists int
}

// ListRecord is one platform list owned by a bot account. MostRecentTweetID
// is the watermark: the newest tweet already emitted by the list's poll loop.
type ListRecord struct {
	ID                string
	Account           string
	Name              string
	NumMembers        int
	TweetPollInterval time.Duration
	MostRecentTweetID string
	TotalTweets       int
}

// ListMember is one tracked platform user keyed by its platform user id,
// together with its current assignment and the entities subscribed to it.
type ListMember struct {
	UserID    string
	Username  string
	State     MemberState
	// Set while State is pending; used to sweep stuck assignments.
	PendingSince time.Time
	// Empty until the platform confirms membership.
	ListID    string
	ListOwner string
	// Keyed by "chainId:address", value is the subscription time.
	Subscriptions map[string]time.Time
}

// Entity is a tracked collection supplied by the ingestion service's
// upstream source. The core never mutates it.
type Entity struct {
	ChainID  string
	Address  string
	Handle   string
	Complete bool
}

// Key returns the canonical "chainId:address" subscription key.
func (e Entity) Key() string {
	return EntityKey(e.ChainID, e.Address)
}

// FeedEvent is one attributed tweet record written downstream, idempotent on
// (TweetID, ChainID, Address).
type FeedEvent struct {
	TweetID   string
	ChainID   string
	Address   string
	Payload   string
	Timestamp time.Time
}
