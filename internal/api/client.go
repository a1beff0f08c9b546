package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	errorsmod "cosmossdk.io/errors"

	"github.com/nexus-trading/volsettle/internal/custody"
	"github.com/nexus-trading/volsettle/internal/errs"
	"github.com/nexus-trading/volsettle/internal/futures"
	"github.com/nexus-trading/volsettle/internal/oracle"
	"github.com/nexus-trading/volsettle/internal/perps"
	"github.com/nexus-trading/volsettle/internal/settlement"
	"github.com/nexus-trading/volsettle/internal/variance"
)

// Client talks to a running settlement daemon. Registered settlement errors
// are rebuilt on the client side, so errors.Is against errs values works.
type Client struct {
	base    string
	http    *http.Client
	TraceID string
}

// NewClient creates a client for the daemon listening at base.
func NewClient(base string, timeout time.Duration) *Client {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.TraceID != "" {
		req.Header.Set(TraceHeader, c.TraceID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			return fmt.Errorf("%s %s: %s", method, path, resp.Status)
		}
		if e.Code > 1 {
			return errorsmod.ABCIError(errs.Codespace, e.Code, e.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Status(ctx context.Context) (settlement.Status, error) {
	var out settlement.Status
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &out)
	return out, err
}

func (c *Client) Balances(ctx context.Context, holder string) ([]custody.Holding, error) {
	var out []custody.Holding
	err := c.do(ctx, http.MethodGet, "/v1/balances/"+url.PathEscape(holder), nil, &out)
	return out, err
}

func (c *Client) Deposit(ctx context.Context, account string, amount uint64) (uint64, error) {
	var out map[string]uint64
	err := c.do(ctx, http.MethodPost, "/v1/deposits", DepositRequest{Account: account, Amount: amount}, &out)
	return out["balance"], err
}

func (c *Client) Observe(ctx context.Context, req ObserveRequest) (oracle.Stats, error) {
	var out oracle.Stats
	err := c.do(ctx, http.MethodPost, "/v1/oracle/observe", req, &out)
	return out, err
}

func (c *Client) LaunchFutures(ctx context.Context, req LaunchFuturesRequest) (futures.Config, error) {
	var out futures.Config
	err := c.do(ctx, http.MethodPost, "/v1/futures", req, &out)
	return out, err
}

func (c *Client) FuturesMint(ctx context.Context, id, user string, amount uint64) (futures.MintReceipt, error) {
	var out futures.MintReceipt
	err := c.do(ctx, http.MethodPost, "/v1/futures/"+url.PathEscape(id)+"/mint", AmountRequest{User: user, Amount: amount}, &out)
	return out, err
}

func (c *Client) FuturesRedeem(ctx context.Context, id, user string, amount uint64) (futures.RedeemReceipt, error) {
	var out futures.RedeemReceipt
	err := c.do(ctx, http.MethodPost, "/v1/futures/"+url.PathEscape(id)+"/redeem", AmountRequest{User: user, Amount: amount}, &out)
	return out, err
}

// SetFuturesFee returns the previous fee.
func (c *Client) SetFuturesFee(ctx context.Context, id, signer string, feeBps uint16) (uint16, error) {
	var out map[string]uint16
	err := c.do(ctx, http.MethodPut, "/v1/futures/"+url.PathEscape(id)+"/fee", FeeRequest{Signer: signer, FeeBps: feeBps}, &out)
	return out["old_fee_bps"], err
}

func (c *Client) OpenPerpMarket(ctx context.Context, req OpenPerpMarketRequest) (perps.Config, error) {
	var out perps.Config
	err := c.do(ctx, http.MethodPost, "/v1/perps", req, &out)
	return out, err
}

func (c *Client) PerpOpen(ctx context.Context, id, owner, side string, margin uint64) (perps.Position, error) {
	var out perps.Position
	err := c.do(ctx, http.MethodPost, "/v1/perps/"+url.PathEscape(id)+"/open", PerpOpenRequest{Owner: owner, Side: side, Margin: margin}, &out)
	return out, err
}

func (c *Client) PerpClose(ctx context.Context, id, owner string) (perps.Settlement, error) {
	var out perps.Settlement
	err := c.do(ctx, http.MethodPost, "/v1/perps/"+url.PathEscape(id)+"/close", PerpCloseRequest{Owner: owner}, &out)
	return out, err
}

func (c *Client) SetPerpVault(ctx context.Context, id, signer, vault string) (perps.Config, error) {
	var out perps.Config
	err := c.do(ctx, http.MethodPut, "/v1/perps/"+url.PathEscape(id)+"/vault", VaultRequest{Signer: signer, Vault: vault}, &out)
	return out, err
}

func (c *Client) InitVariance(ctx context.Context, req InitVarianceRequest) (variance.State, error) {
	var out variance.State
	err := c.do(ctx, http.MethodPost, "/v1/variance", req, &out)
	return out, err
}

func (c *Client) VarianceMint(ctx context.Context, epoch uint64, user string, amount uint64, isLong bool) (variance.MintReceipt, error) {
	var out variance.MintReceipt
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/variance/%d/mint", epoch), VarianceMintRequest{User: user, Amount: amount, IsLong: isLong}, &out)
	return out, err
}

func (c *Client) VarianceRedeem(ctx context.Context, epoch uint64, user string) (variance.Settlement, error) {
	var out variance.Settlement
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/variance/%d/redeem", epoch), VarianceRedeemRequest{User: user}, &out)
	return out, err
}

// Control posts a control-plane action (freeze, resume or kill) and
// returns the risk engine counters.
func (c *Client) Control(ctx context.Context, action, reason string) (map[string]any, error) {
	path := "/control/" + url.PathEscape(action)
	if reason != "" {
		path += "?reason=" + url.QueryEscape(reason)
	}
	var out map[string]any
	err := c.do(ctx, http.MethodPost, path, nil, &out)
	return out, err
}

func (c *Client) ControlStatus(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/control/status", nil, &out)
	return out, err
}
