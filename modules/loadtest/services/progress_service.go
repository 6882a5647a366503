package services

import (
	"context"
	"iter"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/loadtest"
	"github.com/loadforge/loadforge/modules/loadtest/domain/events"
	"github.com/loadforge/loadforge/pkg/eventbus"
)

// ProgressService opens stream sessions scoped to one user.
type ProgressService struct {
	bus    eventbus.EventBus
	owners *OwnerIndex
	log    *logrus.Entry
}

func NewProgressService(bus eventbus.EventBus, owners *OwnerIndex, logger *logrus.Logger) *ProgressService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ProgressService{
		bus:    bus,
		owners: owners,
		log:    logger.WithField("component", "progress-service"),
	}
}

func (s *ProgressService) Open(filter events.Filter) *Session {
	return NewSession(s.bus, filter)
}

// Visible reports whether userID may see ev. Events without a test are
// visible to everyone.
func (s *ProgressService) Visible(ctx context.Context, userID string, ev events.Event) bool {
	testID := ev.TestID()
	if testID == "" {
		return true
	}
	owner, err := s.owners.Lookup(ctx, testID)
	if err != nil {
		if !errors.Is(err, loadtest.ErrNotFound) {
			s.log.WithError(err).WithField("test_id", testID).Warn("owner lookup failed, withholding event")
		}
		return false
	}
	return owner.UserID == userID
}

// Subscribe streams the events userID may see. ctx must carry a database pool
// for ownership lookups.
func (s *ProgressService) Subscribe(ctx context.Context, userID string, session *Session) iter.Seq[Tracked] {
	return func(yield func(Tracked) bool) {
		for t := range session.Events(ctx) {
			if !s.Visible(ctx, userID, t.Event) {
				continue
			}
			if !yield(t) {
				return
			}
		}
	}
}
