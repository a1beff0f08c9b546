package settlement

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/volsettle/internal/errs"
	"github.com/nexus-trading/volsettle/internal/futures"
	"github.com/nexus-trading/volsettle/internal/perps"
)

// Bootstrap lists markets that must exist once the daemon is running.
type Bootstrap struct {
	Futures []futures.Params
	Perps   []perps.Params
}

// Empty reports whether nothing is left to create.
func (b Bootstrap) Empty() bool { return len(b.Futures) == 0 && len(b.Perps) == 0 }

// Bootstrap creates every missing market in b. Markets that already exist
// are skipped. Futures that cannot launch until the oracle has a reading
// are returned as pending; call again after the next observation.
func (s *Service) Bootstrap(ctx context.Context, b Bootstrap) (Bootstrap, error) {
	var pending Bootstrap

	for _, p := range b.Perps {
		_, err := s.OpenPerpMarket(ctx, p)
		if err != nil && !errors.Is(err, errs.ErrMarketExists) {
			return pending, err
		}
	}
	for _, p := range b.Futures {
		_, err := s.LaunchFutures(ctx, p)
		switch {
		case err == nil, errors.Is(err, errs.ErrMarketExists):
		case errors.Is(err, errs.ErrOracleUnavailable), errors.Is(err, errs.ErrOracleStale):
			pending.Futures = append(pending.Futures, p)
		default:
			return pending, err
		}
	}

	if !pending.Empty() {
		log.Info().Int("futures", len(pending.Futures)).Msg("markets waiting for an oracle reading")
	}
	return pending, nil
}
