package service

import (
	"time"

	"github.com/bundlenudge/bundlenudge/internal/auth"
	"github.com/bundlenudge/bundlenudge/internal/healthagg"
	"github.com/bundlenudge/bundlenudge/internal/instrumentation/metrics"
	"github.com/bundlenudge/bundlenudge/internal/lifecycle"
	"github.com/bundlenudge/bundlenudge/internal/store"
	"github.com/bundlenudge/bundlenudge/internal/store/model"
	"github.com/bundlenudge/bundlenudge/internal/telemetry"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
)

const defaultChannelCacheTTL = 5 * time.Second

// ServiceHandler implements the business logic behind the transport
// handlers.
type ServiceHandler struct {
	store      store.Store
	signer     *auth.TokenSigner
	aggregator *healthagg.Aggregator
	lifecycle  *lifecycle.Manager
	events     *telemetry.Queue
	metrics    *metrics.Metrics
	log        logrus.FieldLogger

	// channelCache caches (app, channel name) resolution on the check
	// path. Best-effort: write paths invalidate, and a stale entry can
	// only survive for the TTL.
	channelCache *ttlcache.Cache[string, *model.Channel]
}

func NewServiceHandler(
	st store.Store,
	signer *auth.TokenSigner,
	aggregator *healthagg.Aggregator,
	lifecycleMgr *lifecycle.Manager,
	events *telemetry.Queue,
	m *metrics.Metrics,
	channelCacheTTL time.Duration,
	log logrus.FieldLogger,
) *ServiceHandler {
	if channelCacheTTL <= 0 {
		channelCacheTTL = defaultChannelCacheTTL
	}
	cache := ttlcache.New[string, *model.Channel](
		ttlcache.WithTTL[string, *model.Channel](channelCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, *model.Channel](),
	)
	go cache.Start()

	h := &ServiceHandler{
		store:        st,
		signer:       signer,
		aggregator:   aggregator,
		lifecycle:    lifecycleMgr,
		events:       events,
		metrics:      m,
		log:          log,
		channelCache: cache,
	}
	if lifecycleMgr != nil {
		lifecycleMgr.SetChannelInvalidator(h)
	}
	return h
}

func channelCacheKey(appID uuid.UUID, name string) string {
	return appID.String() + "/" + name
}

// InvalidateChannel drops the cached resolution for a channel. Called by
// the lifecycle manager when activation or rollback moves the pointer.
func (h *ServiceHandler) InvalidateChannel(appID uuid.UUID, channelName string) {
	h.channelCache.Delete(channelCacheKey(appID, channelName))
	// the default-channel alias may resolve to the same row
	h.channelCache.Delete(channelCacheKey(appID, ""))
}
