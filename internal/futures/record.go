package futures

import (
	"github.com/nexus-trading/volsettle/internal/custody"
	"github.com/nexus-trading/volsettle/internal/record"
)

const (
	configSchemaVersion   = 1
	positionSchemaVersion = 1
)

func (c Config) MarshalBinary() ([]byte, error) {
	e := record.NewEncoder(record.KindInstrumentConfig, configSchemaVersion, 160)
	e.String(c.ID)
	e.String(c.Authority)
	e.String(string(c.TokenMint))
	e.String(string(c.QuoteAsset))
	e.String(string(c.FeeDestination))
	e.String(string(c.CollateralPool))
	e.String(c.Name)
	e.String(c.Symbol)
	e.Uint16(c.FeeBps)
	e.Uint64(c.PricePerVolPoint)
	e.Uint64(c.TotalOutstanding)
	return e.Bytes(), nil
}

func (c *Config) UnmarshalBinary(raw []byte) error {
	d := record.NewDecoder(raw, record.KindInstrumentConfig, configSchemaVersion)
	out := Config{
		ID:               d.String(),
		Authority:        d.String(),
		TokenMint:        custody.Asset(d.String()),
		QuoteAsset:       custody.Asset(d.String()),
		FeeDestination:   custody.Account(d.String()),
		CollateralPool:   custody.Account(d.String()),
		Name:             d.String(),
		Symbol:           d.String(),
		FeeBps:           d.Uint16(),
		PricePerVolPoint: d.Uint64(),
		TotalOutstanding: d.Uint64(),
	}
	if err := d.Err(); err != nil {
		return err
	}
	*c = out
	return nil
}

func (p UserPosition) MarshalBinary() ([]byte, error) {
	e := record.NewEncoder(record.KindUserPosition, positionSchemaVersion, 64)
	e.String(string(p.Owner))
	e.Float64(p.EntryVolatility)
	e.Uint64(p.TokensMinted)
	e.Uint64(p.USDCCollateral)
	e.Int64(p.MintTimestamp)
	return e.Bytes(), nil
}

func (p *UserPosition) UnmarshalBinary(raw []byte) error {
	d := record.NewDecoder(raw, record.KindUserPosition, positionSchemaVersion)
	out := UserPosition{
		Owner:           custody.Account(d.String()),
		EntryVolatility: d.Float64(),
		TokensMinted:    d.Uint64(),
		USDCCollateral:  d.Uint64(),
		MintTimestamp:   d.Int64(),
	}
	if err := d.Err(); err != nil {
		return err
	}
	*p = out
	return nil
}
