package perps

import (
	errorsmod "cosmossdk.io/errors"

	"github.com/nexus-trading/volsettle/internal/custody"
	"github.com/nexus-trading/volsettle/internal/errs"
	"github.com/nexus-trading/volsettle/internal/record"
)

const (
	configSchemaVersion   = 1
	positionSchemaVersion = 1
)

func (c Config) MarshalBinary() ([]byte, error) {
	e := record.NewEncoder(record.KindPerpConfig, configSchemaVersion, 96)
	e.String(c.ID)
	e.String(c.Authority)
	e.String(string(c.QuoteAsset))
	e.String(string(c.SyntheticMint))
	e.String(string(c.Vault))
	e.Bool(c.CheckTokenBalance)
	return e.Bytes(), nil
}

func (c *Config) UnmarshalBinary(raw []byte) error {
	d := record.NewDecoder(raw, record.KindPerpConfig, configSchemaVersion)
	out := Config{
		ID:                d.String(),
		Authority:         d.String(),
		QuoteAsset:        custody.Asset(d.String()),
		SyntheticMint:     custody.Asset(d.String()),
		Vault:             custody.Account(d.String()),
		CheckTokenBalance: d.Bool(),
	}
	if err := d.Err(); err != nil {
		return err
	}
	*c = out
	return nil
}

// MarshalBinary encodes owner, direction, entry_vol, size, margin,
// created_at, is_active.
func (p Position) MarshalBinary() ([]byte, error) {
	e := record.NewEncoder(record.KindPerpPosition, positionSchemaVersion, 64)
	e.String(string(p.Owner))
	e.Byte(byte(p.Direction))
	e.Float64(p.EntryVol)
	e.Uint64(p.Size)
	e.Uint64(p.Margin)
	e.Int64(p.CreatedAt)
	e.Bool(p.IsActive)
	return e.Bytes(), nil
}

func (p *Position) UnmarshalBinary(raw []byte) error {
	d := record.NewDecoder(raw, record.KindPerpPosition, positionSchemaVersion)
	out := Position{
		Owner:     custody.Account(d.String()),
		Direction: Side(d.Byte()),
		EntryVol:  d.Float64(),
		Size:      d.Uint64(),
		Margin:    d.Uint64(),
		CreatedAt: d.Int64(),
		IsActive:  d.Bool(),
	}
	if err := d.Err(); err != nil {
		return err
	}
	if out.Direction != Long && out.Direction != Short {
		return errorsmod.Wrapf(errs.ErrSchemaMismatch, "direction %d", out.Direction)
	}
	*p = out
	return nil
}
