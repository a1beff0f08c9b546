package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexus-trading/volsettle/internal/api"
	"github.com/nexus-trading/volsettle/internal/custody"
)

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the oracle and every market",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			st, err := app.Client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(st)
			}

			output.Bold("Oracle")
			vol := FormatVol(st.Volatility)
			if st.OracleErr != "" {
				vol = st.OracleErr
			}
			output.KeyValues([][2]string{
				{"volatility", vol},
				{"observations", strconv.FormatUint(st.Oracle.Count, 10)},
				{"last price", FormatQuote(st.Oracle.LastPrice)},
				{"updated", st.Oracle.UpdatedAt.Format(time.RFC3339)},
			})
			if !st.RiskActive {
				output.Warning("Risk guard is frozen or killed: new exposure is rejected")
			}

			if len(st.Futures) > 0 {
				output.Bold("\nFutures")
				rows := make([][]string, 0, len(st.Futures))
				for _, f := range st.Futures {
					rows = append(rows, []string{
						f.Config.ID, f.Config.Symbol,
						strconv.Itoa(int(f.Config.FeeBps)),
						strconv.FormatUint(f.Config.TotalOutstanding, 10),
						strconv.Itoa(f.Positions),
					})
				}
				output.Table([]string{"ID", "Symbol", "Fee bps", "Outstanding", "Positions"}, rows)
			}

			if len(st.Perps) > 0 {
				output.Bold("\nPerpetuals")
				rows := make([][]string, 0, len(st.Perps))
				for _, p := range st.Perps {
					rows = append(rows, []string{
						p.Config.ID,
						FormatQuote(p.LongOI), FormatQuote(p.ShortOI),
						strconv.Itoa(p.Active),
						FormatQuote(p.VaultFunds),
					})
				}
				output.Table([]string{"ID", "Long OI", "Short OI", "Active", "Vault"}, rows)
			}

			if len(st.Variance) > 0 {
				output.Bold("\nVariance swaps")
				rows := make([][]string, 0, len(st.Variance))
				for _, v := range st.Variance {
					state := "open"
					if v.IsExpired {
						state = "expired"
					}
					rows = append(rows, []string{
						strconv.FormatUint(v.Epoch, 10),
						strconv.FormatFloat(v.Strike, 'f', -1, 64),
						FormatVol(v.StartVolatility),
						FormatQuote(v.TotalDeposits),
						state,
					})
				}
				output.Table([]string{"Epoch", "Strike", "Start vol", "Deposits", "State"}, rows)
			}
			return nil
		},
	}
}

func newBalanceCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <holder>",
		Short: "List every balance of a holder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			hs, err := app.Client.Balances(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(hs)
			}
			if len(hs) == 0 {
				output.Warning("%s holds nothing", args[0])
				return nil
			}
			rows := make([][]string, 0, len(hs))
			for _, h := range hs {
				amount := strconv.FormatUint(h.Amount, 10)
				if h.Asset == custody.Quote {
					amount = FormatQuote(h.Amount)
				}
				rows = append(rows, []string{string(h.Asset), amount})
			}
			output.Table([]string{"Asset", "Amount"}, rows)
			return nil
		},
	}
}

func newDepositCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "deposit <account> <amount>",
		Short: "Credit quote currency (base units) to an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseUint("amount", args[1])
			if err != nil {
				return err
			}
			bal, err := app.Client.Deposit(cmd.Context(), args[0], amount)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]uint64{"balance": bal})
			}
			output.Success("Deposited %s, balance %s", FormatQuote(amount), FormatQuote(bal))
			return nil
		},
	}
}

func newOracleCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "oracle",
		Short: "Volatility oracle",
	}
	observe := &cobra.Command{
		Use:   "observe <price>",
		Short: "Fold one price into the estimator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			price, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("price: %w", err)
			}
			signer, _ := cmd.Flags().GetString("signer")
			st, err := app.Client.Observe(cmd.Context(), api.ObserveRequest{Signer: signer, Price: price, PublishedAt: time.Now()})
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(st)
			}
			output.Success("Observation %d folded, volatility %s", st.Count, FormatVol(st.AnnualizedVolatility))
			return nil
		},
	}
	observe.Flags().String("signer", "oracle", "oracle authority")
	cmd.AddCommand(observe)
	return cmd
}

func newFuturesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "futures",
		Short: "Volatility futures instruments",
	}

	launch := &cobra.Command{
		Use:   "launch <id>",
		Short: "Launch a futures instrument",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			req := api.LaunchFuturesRequest{ID: args[0]}
			req.Name, _ = f.GetString("name")
			req.Symbol, _ = f.GetString("symbol")
			req.Authority, _ = f.GetString("authority")
			req.FeeBps, _ = f.GetUint16("fee-bps")
			req.PricePerVolPoint, _ = f.GetUint64("price-per-point")
			req.FeeDestination, _ = f.GetString("fee-destination")
			cfg, err := app.Client.LaunchFutures(cmd.Context(), req)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(cfg)
			}
			output.Success("Launched %s (token %s, pool %s)", cfg.ID, cfg.TokenMint, cfg.CollateralPool)
			return nil
		},
	}
	launch.Flags().String("name", "", "display name")
	launch.Flags().String("symbol", "", "ticker symbol")
	launch.Flags().String("authority", "admin", "instrument authority")
	launch.Flags().Uint16("fee-bps", 30, "fee in basis points")
	launch.Flags().Uint64("price-per-point", 0, "quote units per volatility point (0 for default)")
	launch.Flags().String("fee-destination", "treasury", "fee account")

	mint := &cobra.Command{
		Use:   "mint <id> <user> <amount>",
		Short: "Mint claim tokens at the current volatility",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseUint("amount", args[2])
			if err != nil {
				return err
			}
			r, err := app.Client.FuturesMint(cmd.Context(), args[0], args[1], amount)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(r)
			}
			output.Success("Minted %d %s at %s", r.Amount, args[0], FormatVol(r.Volatility))
			output.KeyValues([][2]string{
				{"required", FormatQuote(r.Required)},
				{"fee", FormatQuote(r.Fee)},
				{"total paid", FormatQuote(r.Total)},
				{"outstanding", strconv.FormatUint(r.Outstanding, 10)},
			})
			return nil
		},
	}

	redeem := &cobra.Command{
		Use:   "redeem <id> <user> <amount>",
		Short: "Redeem claim tokens at the current volatility",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseUint("amount", args[2])
			if err != nil {
				return err
			}
			r, err := app.Client.FuturesRedeem(cmd.Context(), args[0], args[1], amount)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(r)
			}
			output.Success("Redeemed %d %s, entry %s exit %s", r.Amount, args[0], FormatVol(r.EntryVolatility), FormatVol(r.ExitVolatility))
			output.KeyValues([][2]string{
				{"value", FormatQuote(r.Value)},
				{"fee", FormatQuote(r.Fee)},
				{"payout", FormatQuote(r.Payout)},
				{"collateral released", FormatQuote(r.CollateralReleased)},
			})
			return nil
		},
	}

	fee := &cobra.Command{
		Use:   "fee <id> <bps>",
		Short: "Change the instrument fee",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bps, err := strconv.ParseUint(args[1], 10, 16)
			if err != nil {
				return fmt.Errorf("bps: %w", err)
			}
			signer, _ := cmd.Flags().GetString("signer")
			old, err := app.Client.SetFuturesFee(cmd.Context(), args[0], signer, uint16(bps))
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]uint64{"old_fee_bps": uint64(old), "new_fee_bps": bps})
			}
			output.Success("Fee of %s changed %d -> %d bps", args[0], old, bps)
			return nil
		},
	}
	fee.Flags().String("signer", "admin", "instrument authority")

	cmd.AddCommand(launch, mint, redeem, fee)
	return cmd
}

func newPerpsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "perps",
		Short: "Perpetual volatility markets",
	}

	create := &cobra.Command{
		Use:   "create <id>",
		Short: "Create a perpetual market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			req := api.OpenPerpMarketRequest{ID: args[0]}
			req.Authority, _ = f.GetString("authority")
			req.Vault, _ = f.GetString("vault")
			req.CheckTokenBalance, _ = f.GetBool("check-tokens")
			cfg, err := app.Client.OpenPerpMarket(cmd.Context(), req)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(cfg)
			}
			output.Success("Created %s (vault %s)", cfg.ID, cfg.Vault)
			return nil
		},
	}
	create.Flags().String("authority", "admin", "market authority")
	create.Flags().String("vault", "", "vault account (default perps/<id>/vault)")
	create.Flags().Bool("check-tokens", false, "require synthetic tokens on close")

	open := &cobra.Command{
		Use:   "open <id> <owner> <long|short> <margin>",
		Short: "Open a position",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			margin, err := parseUint("margin", args[3])
			if err != nil {
				return err
			}
			p, err := app.Client.PerpOpen(cmd.Context(), args[0], args[1], args[2], margin)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(p)
			}
			output.Success("Opened %s %s for %s at %s", p.Direction, FormatQuote(p.Margin), p.Owner, FormatVol(p.EntryVol))
			return nil
		},
	}

	closeCmd := &cobra.Command{
		Use:   "close <id> <owner>",
		Short: "Close the owner's active position",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.Client.PerpClose(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(s)
			}
			output.Bold("Closed %s %s", s.Position.Direction, s.Position.Owner)
			output.KeyValues([][2]string{
				{"entry", FormatVol(s.Position.EntryVol)},
				{"exit", FormatVol(s.ExitVol)},
				{"pnl", output.Signed(s.PnL)},
				{"payout", FormatQuote(s.Payout)},
			})
			return nil
		},
	}

	vault := &cobra.Command{
		Use:   "vault <id> <vault>",
		Short: "Move the market vault",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, _ := cmd.Flags().GetString("signer")
			cfg, err := app.Client.SetPerpVault(cmd.Context(), args[0], signer, args[1])
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(cfg)
			}
			output.Success("Vault of %s is now %s", cfg.ID, cfg.Vault)
			return nil
		},
	}
	vault.Flags().String("signer", "admin", "market authority")

	cmd.AddCommand(create, open, closeCmd, vault)
	return cmd
}

func newVarianceCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "variance",
		Short: "Variance swap epochs",
	}

	initCmd := &cobra.Command{
		Use:   "init <epoch> <strike>",
		Short: "Open an epoch at the current volatility",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			epoch, err := parseUint("epoch", args[0])
			if err != nil {
				return err
			}
			strike, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("strike: %w", err)
			}
			authority, _ := cmd.Flags().GetString("authority")
			st, err := app.Client.InitVariance(cmd.Context(), api.InitVarianceRequest{Epoch: epoch, Strike: strike, Authority: authority})
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(st)
			}
			output.Success("Epoch %d open, start volatility %s", st.Epoch, FormatVol(st.StartVolatility))
			return nil
		},
	}
	initCmd.Flags().String("authority", "admin", "epoch authority")

	mint := &cobra.Command{
		Use:   "mint <epoch> <user> <amount>",
		Short: "Deposit into the long (default) or short leg",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			epoch, err := parseUint("epoch", args[0])
			if err != nil {
				return err
			}
			amount, err := parseUint("amount", args[2])
			if err != nil {
				return err
			}
			short, _ := cmd.Flags().GetBool("short")
			r, err := app.Client.VarianceMint(cmd.Context(), epoch, args[1], amount, !short)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(r)
			}
			leg := "long"
			if short {
				leg = "short"
			}
			output.Success("Deposited %s on the %s leg, pool %s", FormatQuote(r.Amount), leg, FormatQuote(r.TotalDeposits))
			return nil
		},
	}
	mint.Flags().Bool("short", false, "deposit on the short leg")

	redeem := &cobra.Command{
		Use:   "redeem <epoch> <user>",
		Short: "Settle and expire the epoch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			epoch, err := parseUint("epoch", args[0])
			if err != nil {
				return err
			}
			s, err := app.Client.VarianceRedeem(cmd.Context(), epoch, args[1])
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(s)
			}
			output.Bold("Epoch %d settled", s.Epoch)
			output.KeyValues([][2]string{
				{"realized variance", strconv.FormatUint(s.RealizedVariance, 10)},
				{"strike", strconv.FormatFloat(s.Strike, 'f', -1, 64)},
				{"long payout", FormatQuote(s.LongPayout)},
				{"short payout", FormatQuote(s.ShortPayout)},
			})
			return nil
		},
	}

	cmd.AddCommand(initCmd, mint, redeem)
	return cmd
}

func newControlCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "control",
		Short: "Risk control plane",
	}
	render := func(cmd *cobra.Command, m map[string]any) error {
		output := NewOutput(cmd)
		if output.IsJSON() {
			return output.JSON(m)
		}
		pairs := make([][2]string, 0, len(m))
		for _, k := range []string{"killed", "frozen", "allowed_total", "denied_total", "freezes_total"} {
			if v, ok := m[k]; ok {
				pairs = append(pairs, [2]string{k, fmt.Sprint(v)})
			}
		}
		output.KeyValues(pairs)
		return nil
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the risk guard state",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := app.Client.ControlStatus(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, m)
		},
	}
	cmd.AddCommand(status)

	for _, action := range []struct{ name, short string }{
		{"freeze", "Reject new exposure; exits still settle"},
		{"resume", "Lift a freeze"},
		{"kill", "Stop every operation until restart"},
	} {
		action := action
		c := &cobra.Command{
			Use:   action.name,
			Short: action.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				reason, _ := cmd.Flags().GetString("reason")
				m, err := app.Client.Control(cmd.Context(), action.name, reason)
				if err != nil {
					return err
				}
				return render(cmd, m)
			},
		}
		if action.name == "freeze" {
			c.Flags().String("reason", "", "recorded with the freeze")
		}
		cmd.AddCommand(c)
	}
	return cmd
}
