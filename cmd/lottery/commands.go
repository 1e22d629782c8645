package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lottery/internal/config"
	"lottery/internal/failure"
	"lottery/internal/lottery"
	"lottery/pkg/chain"
)

func newStatusCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show lottery status, top buyer and ticket price",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			ov, err := a.gateway.Overview(ctx)
			if err != nil {
				// Chains without Multicall3 fall back to single reads.
				log.Debug().Err(err).Msg("Batched read failed, reading individually")
				ov, err = readOverview(ctx, a.gateway)
				if err != nil {
					return err
				}
			}
			printOverview(cmd.OutOrStdout(), cfg, ov)
			return nil
		},
	}
}

func readOverview(ctx context.Context, g *lottery.Gateway) (lottery.Overview, error) {
	status, top, err := g.GetStatus(ctx)
	if err != nil {
		return lottery.Overview{}, err
	}
	ov := lottery.Overview{Status: status, TopBuyer: top}
	if price, err := g.TicketPriceWei(ctx); err == nil {
		ov.PriceWei = price
	} else {
		log.Warn().Err(err).Msg("Failed to fetch ticket price")
	}
	return ov, nil
}

func printOverview(w io.Writer, cfg *config.Config, ov lottery.Overview) {
	sym := cfg.Chain.Currency.Symbol
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "Contract\t%s\n", cfg.LotteryAddress().Hex())
	fmt.Fprintf(tw, "Active\t%t\n", ov.Status.IsActive)
	fmt.Fprintf(tw, "Tickets sold\t%d\n", ov.Status.TotalTickets)
	fmt.Fprintf(tw, "Prize pool\t%s %s\n", ov.Status.TotalPoolAmount, sym)
	fmt.Fprintf(tw, "Rewards distributed\t%t\n", ov.Status.RewardsDistributed)
	if ov.PriceWei != nil {
		fmt.Fprintf(tw, "Ticket price\t%s %s\n", chain.FormatUnits(ov.PriceWei, cfg.Chain.Currency.Decimals), sym)
	}
	switch {
	case ov.TopBuyer == nil:
		fmt.Fprintf(tw, "Top buyer\tunavailable\n")
	case ov.TopBuyer.Address == "":
		fmt.Fprintf(tw, "Top buyer\tnone yet\n")
	default:
		fmt.Fprintf(tw, "Top buyer\t%s (%d tickets)\n", ov.TopBuyer.Address, ov.TopBuyer.TicketCount)
	}
}

func newPriceCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "price",
		Short: "Show the ticket price",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			price, err := a.gateway.GetTicketPrice(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", price, cfg.Chain.Currency.Symbol)
			return nil
		},
	}
}

func newTicketsCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "tickets [address]",
		Short: "List an address's tickets (defaults to the connected wallet)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, appOptions{wallet: len(args) == 0})
			if err != nil {
				return err
			}
			defer a.Close()

			var addr common.Address
			if len(args) == 1 {
				if !common.IsHexAddress(args[0]) {
					return fmt.Errorf("invalid address %q", args[0])
				}
				addr = common.HexToAddress(args[0])
			} else {
				addr, err = a.connect(ctx)
				if err != nil {
					return userError(err)
				}
			}

			t := a.gateway.GetUserTickets(ctx, addr)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s holds %d ticket(s)\n", addr.Hex(), t.Count)
			if len(t.Numbers) > 0 {
				nums := make([]string, len(t.Numbers))
				for i, n := range t.Numbers {
					nums[i] = strconv.FormatUint(n, 10)
				}
				fmt.Fprintf(out, "Numbers: %s\n", strings.Join(nums, ", "))
			}
			return nil
		},
	}
}

func newBuyCmd(cfg *config.Config) *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "buy <count>",
		Short: "Buy tickets with the configured wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("ticket count %q is not a number", args[0])
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, appOptions{wallet: true, store: true})
			if err != nil {
				return err
			}
			defer a.Close()

			stop := a.session.Start(ctx)
			defer stop()

			if _, err := a.connect(ctx); err != nil {
				return userError(err)
			}

			p, err := a.session.Buy(ctx, count)
			if err != nil {
				return userError(err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Submitted %s\n", p.TxHash)
			fmt.Fprintf(out, "%d ticket(s) for %s %s, gas limit %d\n",
				p.Count, chain.FormatUnits(p.Value, cfg.Chain.Currency.Decimals), cfg.Chain.Currency.Symbol, p.GasLimit)
			if explorer := cfg.Chain.ExplorerURL; explorer != "" {
				fmt.Fprintf(out, "%s/tx/%s\n", strings.TrimSuffix(explorer, "/"), p.TxHash)
			}

			if !wait {
				return nil
			}
			waitCtx, cancel := context.WithTimeout(ctx, cfg.Gateway.ReceiptTimeout)
			defer cancel()
			r, err := a.gateway.WaitMined(waitCtx, common.HexToHash(p.TxHash))
			if err != nil {
				return userError(err)
			}
			if r.BlockNumber != nil {
				fmt.Fprintf(out, "Mined in block %s, gas used %d\n", r.BlockNumber.ToInt(), uint64(r.GasUsed))
			}

			// Let the post-purchase refresh catch up with the chain.
			a.session.Wait()
			fmt.Fprintf(out, "You now hold %d ticket(s)\n", a.session.View().Tickets.Count)
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the receipt and the ticket refresh")
	return cmd
}

func newWatchCmd(cfg *config.Config) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll the lottery, following the wallet and recording snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, appOptions{wallet: true, store: true, autoSwitch: true})
			if err != nil {
				return err
			}
			defer a.Close()

			if cfg.Metrics.Enabled {
				if err := a.metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
					return err
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					a.metrics.Shutdown(shutdownCtx)
				}()
			}

			g, gCtx := errgroup.WithContext(ctx)

			g.Go(func() error {
				log.Info().Dur("poll_interval", cfg.Gateway.PollInterval).Msg("Starting session...")
				return a.session.Run(gCtx)
			})

			g.Go(func() error {
				return reportViews(gCtx, a, interval, cmd.OutOrStdout())
			})

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info().Msg("Watch stopped")
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "report-interval", 30*time.Second, "How often to print the session view")
	return cmd
}

func reportViews(ctx context.Context, a *app, interval time.Duration, out io.Writer) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			v := a.session.View()
			if v.Status == nil {
				continue
			}
			line := fmt.Sprintf("active=%t tickets=%d pool=%s %s",
				v.Status.IsActive, v.Status.TotalTickets, v.Status.TotalPoolAmount, a.cfg.Chain.Currency.Symbol)
			if v.Wallet.IsConnected {
				line += fmt.Sprintf(" wallet=%s mine=%d", v.Wallet.Address, v.Tickets.Count)
				if !v.Wallet.IsCorrectNetwork {
					line += " (wrong network)"
				}
			}
			if v.Error != "" {
				line += " error=" + strconv.Quote(v.Error)
			}
			fmt.Fprintln(out, line)
		}
	}
}

func newHistoryCmd(cfg *config.Config) *cobra.Command {
	var (
		buyer     string
		limit     int
		snapshots bool
		since     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded purchases or status snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cfg.Persistence.Enabled {
				return fmt.Errorf("persistence is disabled")
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, appOptions{store: true})
			if err != nil {
				return err
			}
			defer a.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()

			if snapshots {
				snaps, err := a.store.GetSnapshots(ctx, time.Now().Add(-since), limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "OBSERVED\tACTIVE\tTICKETS\tPOOL")
				for _, s := range snaps {
					fmt.Fprintf(tw, "%s\t%t\t%d\t%s\n", s.ObservedAt.Format(time.RFC3339),
						s.Status.IsActive, s.Status.TotalTickets, s.Status.TotalPoolAmount)
				}
				return nil
			}

			purchases, err := a.store.GetPurchases(ctx, buyer, limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "CREATED\tTX\tBUYER\tTICKETS\tVALUE\tSTATUS")
			for _, p := range purchases {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", p.CreatedAt.Format(time.RFC3339), p.TxHash, p.Buyer,
					p.Count, chain.FormatUnits(p.Value, cfg.Chain.Currency.Decimals), p.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&buyer, "buyer", "", "Only purchases by this address")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")
	cmd.Flags().BoolVar(&snapshots, "snapshots", false, "List status snapshots instead of purchases")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "Snapshot window")
	return cmd
}

// userError swaps a classified failure's raw chain for its short message.
// The cause is logged.
func userError(err error) error {
	var fe *failure.Error
	if !errors.As(err, &fe) {
		return err
	}
	if fe.Err != nil {
		log.Debug().Err(fe.Err).Str("kind", string(fe.Kind)).Msg("Failure cause")
	}
	return fmt.Errorf("%s", fe.UserMessage())
}
