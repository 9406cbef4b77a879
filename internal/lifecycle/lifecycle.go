// Package lifecycle drives releases through their state machine:
//
//	pending -> processing -> active -> superseded
//	                |            `--> rolled_back
//	                `--> rejected
//
// rejected and rolled_back are terminal. superseded releases remain
// readable so in-flight downloads complete.
package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	api "github.com/bundlenudge/bundlenudge/api/v1"
	"github.com/bundlenudge/bundlenudge/internal/bnerrors"
	"github.com/bundlenudge/bundlenudge/internal/bundlestore"
	"github.com/bundlenudge/bundlenudge/internal/store"
	"github.com/bundlenudge/bundlenudge/internal/store/model"
	"github.com/bundlenudge/bundlenudge/pkg/poll"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const (
	// LeaseTTL bounds how long a crashed worker can block re-pickup of a
	// processing release.
	LeaseTTL = 2 * time.Minute

	persistAttempts = 3
)

var persistBackoff = poll.Config{
	BaseDelay: 100 * time.Millisecond,
	Factor:    2,
	MaxDelay:  2 * time.Second,
}

// ChannelInvalidator is notified when a channel's active release changes so
// the check path's cache does not serve the stale pointer for a full TTL.
type ChannelInvalidator interface {
	InvalidateChannel(appID uuid.UUID, channelName string)
}

type Manager struct {
	store       store.Store
	bundles     bundlestore.Store
	invalidator ChannelInvalidator
	log         logrus.FieldLogger
}

func NewManager(st store.Store, bundles bundlestore.Store, log logrus.FieldLogger) *Manager {
	return &Manager{store: st, bundles: bundles, log: log}
}

// SetChannelInvalidator wires the check-path cache; optional.
func (m *Manager) SetChannelInvalidator(inv ChannelInvalidator) {
	m.invalidator = inv
}

// Process moves a pending release to processing under an exclusive lease.
func (m *Manager) Process(ctx context.Context, releaseID uuid.UUID, owner string) error {
	if err := m.store.Release().AcquireLease(ctx, releaseID, owner, LeaseTTL); err != nil {
		return err
	}
	err := m.persist(ctx, func(ctx context.Context) error {
		return m.store.Release().UpdateStatus(ctx, releaseID, string(api.ReleaseStatusPending), string(api.ReleaseStatusProcessing), nil)
	})
	if err != nil {
		_ = m.store.Release().ReleaseLease(ctx, releaseID, owner)
	}
	return err
}

// Verify checks that the bytes at the release's bundle URL hash to its
// recorded bundle hash and match its recorded size.
func (m *Manager) Verify(ctx context.Context, release *model.Release) error {
	r, err := m.bundles.Open(ctx, release.BundleURL)
	if err != nil {
		return fmt.Errorf("opening bundle: %w", err)
	}
	defer r.Close() //nolint:errcheck

	h := sha256.New()
	size, err := io.Copy(h, r)
	if err != nil {
		return fmt.Errorf("reading bundle: %w", err)
	}
	if size != release.BundleSize {
		return fmt.Errorf("%w: size %d, expected %d", bnerrors.ErrInvalidBundle, size, release.BundleSize)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != release.BundleHash {
		return fmt.Errorf("%w: hash %s, expected %s", bnerrors.ErrInvalidBundle, got, release.BundleHash)
	}
	return nil
}

// Activate makes the release the channel's active release. The channel
// pointer flip is a CAS keyed by the prior active release, so concurrent
// activations on the same channel are linearized; the loser sees
// ErrConflict. Re-activating an already-active release is a no-op.
func (m *Manager) Activate(ctx context.Context, releaseID uuid.UUID) error {
	release, err := m.store.Release().Get(ctx, releaseID)
	if err != nil {
		return err
	}
	if release.ChannelID == nil {
		return fmt.Errorf("%w: release has no channel", bnerrors.ErrInvalidInput)
	}
	channel, err := m.store.Channel().Get(ctx, *release.ChannelID)
	if err != nil {
		return err
	}

	switch api.ReleaseStatus(release.Status) {
	case api.ReleaseStatusActive:
		// idempotent on the final state
		if channel.ActiveReleaseID != nil && *channel.ActiveReleaseID == releaseID {
			return nil
		}
	case api.ReleaseStatusProcessing:
	default:
		return fmt.Errorf("%w: cannot activate release in status %s", bnerrors.ErrInvalidTransition, release.Status)
	}

	prev := channel.ActiveReleaseID
	if err := m.store.Channel().UpdateActiveRelease(ctx, channel.ID, prev, lo.ToPtr(releaseID)); err != nil {
		return err
	}

	if err := m.persist(ctx, func(ctx context.Context) error {
		err := m.store.Release().UpdateStatus(ctx, releaseID, string(api.ReleaseStatusProcessing), string(api.ReleaseStatusActive), map[string]any{
			"lease_owner":      nil,
			"lease_expires_at": nil,
		})
		if errors.Is(err, bnerrors.ErrConflict) && api.ReleaseStatus(release.Status) == api.ReleaseStatusActive {
			return nil
		}
		return err
	}); err != nil {
		return err
	}

	if prev != nil && *prev != releaseID {
		err := m.persist(ctx, func(ctx context.Context) error {
			err := m.store.Release().UpdateStatus(ctx, *prev, string(api.ReleaseStatusActive), string(api.ReleaseStatusSuperseded), map[string]any{
				"superseded_by_id": releaseID,
			})
			// The prior release may have been rolled back already; that
			// is not a reason to fail this activation.
			if errors.Is(err, bnerrors.ErrConflict) || errors.Is(err, bnerrors.ErrResourceNotFound) {
				return nil
			}
			return err
		})
		if err != nil {
			m.log.WithError(err).Warnf("failed superseding release %s", prev)
		}
	}

	m.invalidate(channel)
	m.log.Infof("release %s (v%s) active on channel %s", releaseID, release.Version, channel.Name)
	return nil
}

// Reject marks a pending or processing release rejected. Terminal.
func (m *Manager) Reject(ctx context.Context, releaseID uuid.UUID, reason string) error {
	return m.persist(ctx, func(ctx context.Context) error {
		err := m.store.Release().UpdateStatus(ctx, releaseID, string(api.ReleaseStatusProcessing), string(api.ReleaseStatusRejected), map[string]any{
			"rollback_reason":  nil,
			"lease_owner":      nil,
			"lease_expires_at": nil,
		})
		if errors.Is(err, bnerrors.ErrConflict) {
			// cancel path: pending -> rejected
			return m.store.Release().UpdateStatus(ctx, releaseID, string(api.ReleaseStatusPending), string(api.ReleaseStatusRejected), nil)
		}
		return err
	})
}

// Rollback reverses a release's activation. The previously superseded
// release on the channel, if any, is promoted back to active; otherwise the
// channel is left with no active release. A rolled-back release is never
// re-activated automatically.
func (m *Manager) Rollback(ctx context.Context, releaseID uuid.UUID, reason api.RollbackReason) error {
	release, err := m.store.Release().Get(ctx, releaseID)
	if err != nil {
		return err
	}

	from := api.ReleaseStatus(release.Status)
	switch from {
	case api.ReleaseStatusActive, api.ReleaseStatusSuperseded:
	case api.ReleaseStatusRolledBack:
		return nil
	default:
		return fmt.Errorf("%w: cannot roll back release in status %s", bnerrors.ErrInvalidTransition, release.Status)
	}

	if err := m.persist(ctx, func(ctx context.Context) error {
		return m.store.Release().UpdateStatus(ctx, releaseID, string(from), string(api.ReleaseStatusRolledBack), map[string]any{
			"rollback_reason": string(reason),
		})
	}); err != nil {
		return err
	}

	if _, err := m.store.RollbackRecord().Create(ctx, &model.RollbackRecord{
		ReleaseID:       releaseID,
		Reason:          string(reason),
		PreviousVersion: release.Version,
	}); err != nil {
		m.log.WithError(err).Warn("failed recording rollback")
	}

	if release.ChannelID == nil {
		return nil
	}
	channel, err := m.store.Channel().Get(ctx, *release.ChannelID)
	if err != nil {
		return err
	}
	if channel.ActiveReleaseID == nil || *channel.ActiveReleaseID != releaseID {
		// the channel moved on already; nothing to repoint
		return nil
	}

	predecessor, err := m.findPredecessor(ctx, release)
	if err != nil {
		return err
	}
	var next *uuid.UUID
	if predecessor != nil {
		next = lo.ToPtr(predecessor.ID)
	}
	if err := m.store.Channel().UpdateActiveRelease(ctx, channel.ID, lo.ToPtr(releaseID), next); err != nil {
		return err
	}
	if predecessor != nil {
		err := m.persist(ctx, func(ctx context.Context) error {
			return m.store.Release().UpdateStatus(ctx, predecessor.ID, string(api.ReleaseStatusSuperseded), string(api.ReleaseStatusActive), map[string]any{
				"superseded_by_id": nil,
			})
		})
		if err != nil {
			m.log.WithError(err).Warnf("failed re-promoting release %s", predecessor.ID)
		}
	}

	m.invalidate(channel)
	m.log.Infof("release %s (v%s) rolled back: %s", releaseID, release.Version, reason)
	return nil
}

// findPredecessor locates the release this one superseded on activation.
func (m *Manager) findPredecessor(ctx context.Context, release *model.Release) (*model.Release, error) {
	releases, err := m.store.Release().List(ctx, release.AppID)
	if err != nil {
		return nil, err
	}
	for i := range releases {
		r := &releases[i]
		if r.SupersededByID != nil && *r.SupersededByID == release.ID &&
			api.ReleaseStatus(r.Status) == api.ReleaseStatusSuperseded {
			return r, nil
		}
	}
	return nil, nil
}

// ProcessPending picks up pending releases, verifies their bundles, and
// activates or rejects them. Called periodically by the worker.
func (m *Manager) ProcessPending(ctx context.Context, owner string, limit int) {
	releases, err := m.store.Release().ListByStatus(ctx, string(api.ReleaseStatusPending), limit)
	if err != nil {
		m.log.WithError(err).Error("listing pending releases")
		return
	}
	for i := range releases {
		release := &releases[i]
		if err := m.Process(ctx, release.ID, owner); err != nil {
			if !errors.Is(err, bnerrors.ErrLeaseHeld) && !errors.Is(err, bnerrors.ErrConflict) {
				m.log.WithError(err).Errorf("picking up release %s", release.ID)
			}
			continue
		}
		if err := m.Verify(ctx, release); err != nil {
			m.log.WithError(err).Warnf("release %s failed verification", release.ID)
			if rejectErr := m.Reject(ctx, release.ID, err.Error()); rejectErr != nil {
				m.log.WithError(rejectErr).Errorf("rejecting release %s", release.ID)
			}
			continue
		}
		if err := m.Activate(ctx, release.ID); err != nil {
			m.log.WithError(err).Errorf("activating release %s", release.ID)
		}
	}
}

// persist retries a transition a bounded number of times; persistent
// failure leaves the release in its prior state and surfaces the error.
// Conflicts will not resolve by blind retry and are surfaced immediately.
func (m *Manager) persist(ctx context.Context, op func(context.Context) error) error {
	var terminal error
	err := poll.Retry(ctx, &persistBackoff, persistAttempts, func(ctx context.Context) error {
		err := op(ctx)
		if errors.Is(err, bnerrors.ErrConflict) || errors.Is(err, bnerrors.ErrResourceNotFound) || errors.Is(err, bnerrors.ErrInvalidTransition) {
			terminal = err
			return nil
		}
		return err
	})
	if terminal != nil {
		return terminal
	}
	return err
}

func (m *Manager) invalidate(channel *model.Channel) {
	if m.invalidator != nil {
		m.invalidator.InvalidateChannel(channel.AppID, channel.Name)
	}
}
