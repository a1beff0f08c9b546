package variance

import (
	"github.com/nexus-trading/volsettle/internal/custody"
	"github.com/nexus-trading/volsettle/internal/record"
)

const stateSchemaVersion = 1

// MarshalBinary encodes the identity fields, then strike,
// start_volatility, realized_variance, total_deposits, is_expired and the
// creation timestamp.
func (s State) MarshalBinary() ([]byte, error) {
	e := record.NewEncoder(record.KindVarianceMarket, stateSchemaVersion, 128)
	e.Uint64(s.Epoch)
	e.String(s.Authority)
	e.String(string(s.Vault))
	e.String(string(s.LongMint))
	e.String(string(s.ShortMint))
	e.Float64(s.Strike)
	e.Float64(s.StartVolatility)
	e.Float64(s.RealizedVariance)
	e.Uint64(s.TotalDeposits)
	e.Bool(s.IsExpired)
	e.Int64(s.CreatedAt)
	return e.Bytes(), nil
}

func (s *State) UnmarshalBinary(raw []byte) error {
	d := record.NewDecoder(raw, record.KindVarianceMarket, stateSchemaVersion)
	out := State{
		Epoch:            d.Uint64(),
		Authority:        d.String(),
		Vault:            custody.Account(d.String()),
		LongMint:         custody.Asset(d.String()),
		ShortMint:        custody.Asset(d.String()),
		Strike:           d.Float64(),
		StartVolatility:  d.Float64(),
		RealizedVariance: d.Float64(),
		TotalDeposits:    d.Uint64(),
		IsExpired:        d.Bool(),
		CreatedAt:        d.Int64(),
	}
	if err := d.Err(); err != nil {
		return err
	}
	*s = out
	return nil
}
