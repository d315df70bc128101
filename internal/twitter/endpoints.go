package twitter

import "time"

// Endpoint names one rate-limited platform API endpoint. Each endpoint gets
// its own limiter state and single-concurrency dispatch queue.
type Endpoint string

const (
	EndpointBatchedGetUser   Endpoint = "batched-get-user"
	EndpointCreateList       Endpoint = "create-list"
	EndpointAddListMember    Endpoint = "add-list-member"
	EndpointRemoveListMember Endpoint = "remove-list-member"
	EndpointGetListTweets    Endpoint = "get-list-tweets"
)

const (
	fiveMin           = 5 * time.Minute
	maxBackoff        = 3 * time.Hour
	suppression403    = 24 * time.Hour
	initialBackoff    = 16 * time.Second
	minDispatchGap    = 3 * time.Second
	maxRequestAttempt = 3
	refreshCadence    = time.Minute
)
