package oracle

import (
	"time"

	errorsmod "cosmossdk.io/errors"

	"github.com/nexus-trading/volsettle/internal/errs"
	"github.com/nexus-trading/volsettle/internal/record"
)

const statsSchemaVersion = 1

// StatsRecordSize is the encoded size of Stats.
const StatsRecordSize = record.HeaderSize + 6*8

// MarshalBinary encodes s as last_price, mean, m2, count,
// annualized_volatility, updated_at (unix nanoseconds).
func (s Stats) MarshalBinary() ([]byte, error) {
	e := record.NewEncoder(record.KindVolatilityStats, statsSchemaVersion, 6*8)
	e.Uint64(s.LastPrice)
	e.Float64(s.Mean)
	e.Float64(s.M2)
	e.Uint64(s.Count)
	e.Float64(s.AnnualizedVolatility)
	if s.UpdatedAt.IsZero() {
		e.Int64(0)
	} else {
		e.Int64(s.UpdatedAt.UnixNano())
	}
	return e.Bytes(), nil
}

// UnmarshalBinary decodes a record written by MarshalBinary.
func (s *Stats) UnmarshalBinary(raw []byte) error {
	d := record.NewDecoder(raw, record.KindVolatilityStats, statsSchemaVersion)
	out := Stats{
		LastPrice:            d.Uint64(),
		Mean:                 d.Float64(),
		M2:                   d.Float64(),
		Count:                d.Uint64(),
		AnnualizedVolatility: d.Float64(),
	}
	if ns := d.Int64(); ns != 0 {
		out.UpdatedAt = time.Unix(0, ns).UTC()
	}
	if err := d.Err(); err != nil {
		return err
	}
	*s = out
	return nil
}

// ReadVolatility extracts the annualized volatility from a persisted Stats
// record after validating its kind, version and length.
func ReadVolatility(raw []byte) (float64, error) {
	var s Stats
	if err := s.UnmarshalBinary(raw); err != nil {
		return 0, errorsmod.Wrapf(errs.ErrOracleStale, "unreadable volatility record: %v", err)
	}
	if s.Count == 0 {
		return 0, errorsmod.Wrap(errs.ErrOracleUnavailable, "record holds no observations")
	}
	return s.AnnualizedVolatility, nil
}
