// Package twitter implements the rate-limited platform client and the
// capacity-aware assignment of tracked entities to bot accounts and lists,
// together with the watermarked list-timeline pollers that feed the
// downstream social feed.
package twitter

import "time"

// User is one resolved platform user from the batched lookup endpoint.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// APIError is one entry of the platform's response-level errors list.
type APIError struct {
	Value        string `json:"value"`
	Detail       string `json:"detail"`
	Title        string `json:"title"`
	ResourceType string `json:"resource_type"`
	Parameter    string `json:"parameter"`
	ResourceID   string `json:"resource_id"`
	Type         string `json:"type"`
}

// basicResponse is the platform's { data, errors? } envelope.
type basicResponse[T any] struct {
	Data   T          `json:"data"`
	Errors []APIError `json:"errors"`
}

type createListData struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type listMembershipData struct {
	IsMember bool `json:"is_member"`
}

// rawTweet is one tweet in a list-timeline page.
type rawTweet struct {
	ID                string `json:"id"`
	Text              string `json:"text"`
	AuthorID          string `json:"author_id"`
	Lang              string `json:"lang"`
	Source            string `json:"source"`
	PossiblySensitive bool   `json:"possibly_sensitive"`
	CreatedAt         string `json:"created_at"`
	Attachments       struct {
		MediaKeys []string `json:"media_keys"`
	} `json:"attachments"`
}

type rawUser struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	Name            string `json:"name"`
	Verified        bool   `json:"verified"`
	ProfileImageURL string `json:"profile_image_url"`
	Location        string `json:"location"`
}

type rawMedia struct {
	MediaKey        string `json:"media_key"`
	Type            string `json:"type"`
	URL             string `json:"url"`
	PreviewImageURL string `json:"preview_image_url"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
}

// listTweetsResponse is one page of a list timeline with author and media
// expansions.
type listTweetsResponse struct {
	Data     []rawTweet `json:"data"`
	Includes struct {
		Users []rawUser  `json:"users"`
		Media []rawMedia `json:"media"`
	} `json:"includes"`
	Meta struct {
		ResultCount int    `json:"result_count"`
		NextToken   string `json:"next_token"`
	} `json:"meta"`
	Errors []APIError `json:"errors"`
}

// TweetEvent is one new tweet discovered by a list poll loop, before
// attribution to subscribing entities.
type TweetEvent struct {
	ID                 string
	AuthorID           string
	Username           string
	AuthorName         string
	AuthorProfileImage string
	AuthorVerified     bool
	Text               string
	Source             string
	Image              string
	Language           string
	IsSensitive        bool
	ExternalLink       string
	Timestamp          time.Time

	ListID    string
	ListOwner string
}

// AttributedTweetEvent is a TweetEvent fanned out to one subscribing entity.
type AttributedTweetEvent struct {
	Tweet   TweetEvent
	ChainID string
	Address string
}

// tweetLink builds the canonical public URL for a tweet.
func tweetLink(username, tweetID string) string {
	return "https://twitter.com/" + username + "/status/" + tweetID
}
