package settlement

import (
	"context"

	"github.com/nexus-trading/volsettle/internal/custody"
	"github.com/nexus-trading/volsettle/internal/futures"
	"github.com/nexus-trading/volsettle/internal/oracle"
	"github.com/nexus-trading/volsettle/internal/perps"
	"github.com/nexus-trading/volsettle/internal/variance"
)

// FuturesStatus summarizes one futures instrument.
type FuturesStatus struct {
	Config    futures.Config `json:"config"`
	Positions int            `json:"positions"`
}

// PerpStatus summarizes one perpetual market.
type PerpStatus struct {
	Config     perps.Config `json:"config"`
	LongOI     uint64       `json:"long_open_interest"`
	ShortOI    uint64       `json:"short_open_interest"`
	Active     int          `json:"active_positions"`
	VaultFunds uint64       `json:"vault_funds"`
}

// Status is a point-in-time view of the whole service.
type Status struct {
	Oracle     oracle.Stats     `json:"oracle"`
	Volatility float64          `json:"volatility"`
	OracleErr  string           `json:"oracle_error,omitempty"`
	Futures    []FuturesStatus  `json:"futures"`
	Perps      []PerpStatus     `json:"perps"`
	Variance   []variance.State `json:"variance"`
	RiskActive bool             `json:"risk_active"`
}

// Status snapshots the oracle and every market ordered by id.
func (s *Service) Status(ctx context.Context) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Oracle: s.oracle.Snapshot(), RiskActive: true}
	if vol, err := s.oracle.CurrentVolatility(); err != nil {
		st.OracleErr = err.Error()
	} else {
		st.Volatility = vol
	}
	if s.deps.Risk != nil {
		st.RiskActive = s.deps.Risk.IsActive()
	}

	for _, id := range sortedKeys(s.futures) {
		m := s.futures[id]
		st.Futures = append(st.Futures, FuturesStatus{Config: m.Config(), Positions: len(m.Positions())})
	}
	for _, id := range sortedKeys(s.perps) {
		m := s.perps[id]
		ps := PerpStatus{Config: m.Config()}
		ps.LongOI, ps.ShortOI = m.OpenInterest()
		for _, p := range m.Positions() {
			if p.IsActive {
				ps.Active++
			}
		}
		ps.VaultFunds, _ = s.ledger.Balance(ctx, ps.Config.Vault, custody.Quote)
		st.Perps = append(st.Perps, ps)
	}
	for _, epoch := range sortedKeys(s.variance) {
		st.Variance = append(st.Variance, s.variance[epoch].State())
	}
	return st
}

// Balance returns holder's balance of asset.
func (s *Service) Balance(ctx context.Context, holder custody.Account, asset custody.Asset) (uint64, error) {
	return s.ledger.Balance(ctx, holder, asset)
}

// Holdings returns every non-zero ledger balance.
func (s *Service) Holdings() []custody.Holding {
	return s.ledger.Holdings()
}

// FuturesPosition returns user's position in instrument id.
func (s *Service) FuturesPosition(id string, user custody.Account) (futures.UserPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.futuresMarket(id)
	if err != nil {
		return futures.UserPosition{}, err
	}
	p, _ := m.Position(user)
	return p, nil
}

// PerpPosition returns owner's latest position in market id.
func (s *Service) PerpPosition(id string, owner custody.Account) (perps.Position, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.perpMarket(id)
	if err != nil {
		return perps.Position{}, false, err
	}
	p, ok := m.Position(owner)
	return p, ok, nil
}

// VarianceState returns the record of epoch.
func (s *Service) VarianceState(epoch uint64) (variance.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.varianceMarket(epoch)
	if err != nil {
		return variance.State{}, err
	}
	return m.State(), nil
}

// LastObservation returns when the oracle last accepted a price, for
// freshness health checks.
func (s *Service) LastObservation() oracle.Stats {
	return s.oracle.Snapshot()
}
