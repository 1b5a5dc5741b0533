package admission

import (
	"context"
	"sync/atomic"

	"github.com/iwanhae/netblocker/config"
	"github.com/iwanhae/netblocker/types"
	"github.com/rs/zerolog"
)

const (
	ReasonExempt    = "exempt by privilege level"
	ReasonPermanent = "active permanent ban"
	ReasonTemporary = "active temporary ban"
	ReasonClean     = "no active ban found"
)

// Decider answers admission queries. It is safe for concurrent use.
type Decider struct {
	cache    *BanListCache
	settings atomic.Pointer[config.Settings]
	logger   zerolog.Logger
}

// NewDecider returns a decider using settings until the next Reload.
func NewDecider(cache *BanListCache, settings *config.Settings, logger zerolog.Logger) *Decider {
	d := &Decider{cache: cache, logger: logger}
	d.Reload(settings)
	return d
}

// Reload replaces the settings snapshot. A nil snapshot resets to defaults.
func (d *Decider) Reload(s *config.Settings) {
	if s == nil {
		s = config.Default()
	}
	d.settings.Store(s)
	d.logger.Debug().Int("maxlevel", s.MaxLevel).Msg("maximum level affected")
}

// Threshold is the privilege level at or below which ban checks apply.
func (d *Decider) Threshold() int {
	return d.settings.Load().MaxLevel
}

// Cache returns the ban list cache backing d.
func (d *Decider) Cache() *BanListCache {
	return d.cache
}

// Decide accepts or rejects id. Exemption wins over any ban, and a permanent
// ban is reported before a temporary one. A store failure never rejects on
// its own: the last known ban lists are used instead.
func (d *Decider) Decide(id types.ConnectingIdentity) types.Decision {
	threshold := d.Threshold()
	if IsExempt(id, threshold) {
		d.logger.Debug().
			Str("name", id.Name).
			Int("level", id.Level).
			Msg("higher level user, allowed to connect")
		return types.Decision{Verdict: types.Accept, Reason: ReasonExempt}
	}

	d.logger.Debug().Str("name", id.Name).Str("ip", id.Address).Int("level", id.Level).Msg("checking player")

	if err := d.cache.Refresh(context.Background()); err != nil {
		d.logger.Warn().Err(err).Msg("using last known ban lists")
	}

	snap := d.cache.Snapshot()
	switch {
	case snap.Permanent.Has(id.Address):
		d.logger.Info().Str("name", id.Name).Str("ip", id.Address).Msg("client refused: active ban")
		return types.Decision{Verdict: types.Reject, Reason: ReasonPermanent, Kind: types.Permanent}
	case snap.Temporary.Has(id.Address):
		d.logger.Info().Str("name", id.Name).Str("ip", id.Address).Msg("client refused: active tempban")
		return types.Decision{Verdict: types.Reject, Reason: ReasonTemporary, Kind: types.Temporary}
	default:
		d.logger.Debug().Str("name", id.Name).Str("ip", id.Address).Msg("client accepted")
		return types.Decision{Verdict: types.Accept, Reason: ReasonClean}
	}
}
