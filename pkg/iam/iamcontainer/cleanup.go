package iamcontainer

import (
	"context"
	"time"

	"github.com/truxeio/truxe/pkg/iam/authz"
	"github.com/truxeio/truxe/pkg/iam/invitation"
	"github.com/truxeio/truxe/pkg/iam/magiclink"
	"github.com/truxeio/truxe/pkg/iam/session"
	"github.com/truxeio/truxe/pkg/iam/webhook/webhooksrv"
	"github.com/truxeio/truxe/pkg/logx"
)

// CleanupService periodically purges rows past their useful life: expired
// sessions and magic links, lapsed invitations, expired grants, and webhook
// deliveries past retention.
type CleanupService struct {
	sessions    session.Store
	magicLinks  magiclink.Repository
	invitations invitation.InvitationRepository
	grants      authz.GrantRepository
	webhooks    *webhooksrv.WebhookService

	interval time.Duration
	now      func() time.Time
}

func NewCleanupService(
	sessions session.Store,
	magicLinks magiclink.Repository,
	invitations invitation.InvitationRepository,
	grants authz.GrantRepository,
	webhooks *webhooksrv.WebhookService,
	interval time.Duration,
) *CleanupService {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &CleanupService{
		sessions:    sessions,
		magicLinks:  magicLinks,
		invitations: invitations,
		grants:      grants,
		webhooks:    webhooks,
		interval:    interval,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Start blocks until the context is cancelled, sweeping once per interval.
// Run it in a goroutine.
func (s *CleanupService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *CleanupService) sweep(ctx context.Context) {
	cutoff := s.now()

	if n, err := s.sessions.DeleteExpired(ctx, cutoff); err != nil {
		logx.Errorf("Cleanup: sessions: %v", err)
	} else if n > 0 {
		logx.Debugf("Cleanup: removed %d expired sessions", n)
	}

	if n, err := s.magicLinks.DeleteExpired(ctx, cutoff); err != nil {
		logx.Errorf("Cleanup: magic links: %v", err)
	} else if n > 0 {
		logx.Debugf("Cleanup: removed %d expired magic links", n)
	}

	if n, err := s.invitations.DeleteExpired(ctx); err != nil {
		logx.Errorf("Cleanup: invitations: %v", err)
	} else if n > 0 {
		logx.Debugf("Cleanup: removed %d expired invitations", n)
	}

	if n, err := s.grants.DeleteExpired(ctx); err != nil {
		logx.Errorf("Cleanup: grants: %v", err)
	} else if n > 0 {
		logx.Debugf("Cleanup: removed %d expired grants", n)
	}

	if n, err := s.webhooks.DeleteOldDeliveries(ctx); err != nil {
		logx.Errorf("Cleanup: webhook deliveries: %v", err)
	} else if n > 0 {
		logx.Debugf("Cleanup: removed %d webhook deliveries past retention", n)
	}
}
