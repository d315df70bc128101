// Package service wires the tracked-entity catalog, the bot account pool
// and the feed writer into the ingestion service.
package service

import (
	"context"

	"github.com/rs/zerolog"

	"socialfeed/internal/config"
	"socialfeed/internal/feed"
	"socialfeed/internal/store"
	"socialfeed/internal/twitter"
)

// Service is the ingestion orchestrator: entity catalog changes become
// subscribe/unsubscribe calls on the account manager, and attributed
// tweets become feed events.
type Service struct {
	log     zerolog.Logger
	db      *store.DB
	cfg     config.Config
	manager *twitter.AccountManager
	writer  *feed.Writer
}

func New(db *store.DB, cfg config.Config, log zerolog.Logger) *Service {
	return &Service{
		log:     log.With().Str("component", "service").Logger(),
		db:      db,
		cfg:     cfg,
		manager: twitter.NewAccountManager(db, cfg, log),
		writer:  feed.NewWriter(db, log),
	}
}

// Manager exposes the account manager, mainly for operational commands.
func (s *Service) Manager() *twitter.AccountManager { return s.manager }

// Run starts every loop and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	go s.watchEntities(ctx)
	go s.consumeEvents(ctx)
	s.manager.Run(ctx)
	return ctx.Err()
}

// watchEntities drives the subscription protocol from the catalog of
// complete tracked entities. A changed handle re-subscribes the entity,
// which detaches it from the previous user as a side effect.
func (s *Service) watchEntities(ctx context.Context) {
	for changes := range s.db.WatchCompleteEntities(ctx, s.cfg.WatchInterval()) {
		for _, ch := range changes {
			switch ch.Type {
			case store.Added, store.Modified:
				if ch.Doc.Handle == "" {
					continue
				}
				if err := s.manager.Subscribe(ctx, ch.Doc.Handle, ch.Doc.ChainID, ch.Doc.Address); err != nil {
					s.log.Warn().Err(err).Str("entity", ch.Doc.Key()).Msg("subscribe failed")
				}
			case store.Removed:
				if err := s.manager.Unsubscribe(ctx, ch.Doc.ChainID, ch.Doc.Address); err != nil {
					s.log.Warn().Err(err).Str("entity", ch.Doc.Key()).Msg("unsubscribe failed")
				}
			}
		}
	}
}

// consumeEvents drains the manager's event stream: attributed tweets go to
// the feed writer, the rest to the log.
func (s *Service) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.manager.Events():
			switch e := ev.(type) {
			case twitter.AttributedTweet:
				if err := s.writer.Write(ctx, e.Event); err != nil {
					s.log.Error().Err(err).Str("tweet", e.Event.Tweet.ID).Msg("feed write failed")
				}
			case twitter.SubscriptionEvent:
				s.log.Info().Str("user", e.Username).Str("chain", e.ChainID).Str("address", e.Address).Msg("subscribed")
			case twitter.UnsubscriptionEvent:
				s.log.Info().Str("user", e.Username).Int("remaining", e.SubscriptionsRemaining).Msg("unsubscribed")
			case twitter.ErroredSubscriptionEvent:
				s.log.Warn().Err(e.Err).Str("user", e.Username).Str("reason", string(e.Reason)).Msg("subscription failed")
			}
		}
	}
}
