package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/predictbot/internal/application/market"
)

// dispatch ejecuta el comando pedido en nombre de user.
func dispatch(ctx context.Context, a *app, command, user string, args []string) error {
	switch command {
	case "serve":
		return runServe(ctx, a)
	case "sweep":
		return runSweep(ctx, a)
	case "create":
		return cmdCreate(ctx, a, user, args)
	case "bet":
		return cmdBet(ctx, a, user, args)
	case "resolve":
		return cmdResolve(ctx, a, user, args)
	case "refund":
		return cmdRefund(ctx, a, user, args)
	case "markets":
		return cmdMarkets(ctx, a, args)
	case "pending":
		markets, err := a.markets.ListPendingResolution(ctx)
		if err != nil {
			return err
		}
		a.console.PrintMarkets(markets, time.Now())
		return nil
	case "resolvable":
		if err := requireUser(user); err != nil {
			return err
		}
		markets, err := a.markets.ListResolvable(ctx, user)
		if err != nil {
			return err
		}
		a.console.PrintMarkets(markets, time.Now())
		return nil
	case "prices":
		return cmdPrices(ctx, a, args)
	case "balance":
		return cmdBalance(ctx, a, user, args)
	case "deposit":
		return cmdDeposit(ctx, a, user, args)
	case "tip":
		return cmdTip(ctx, a, user, args)
	case "stuck":
		payouts, err := a.markets.StuckPayouts(ctx)
		if err != nil {
			return err
		}
		a.console.PrintPayouts(payouts)
		return nil
	case "reconcile":
		return cmdReconcile(ctx, a, user, args)
	}
	return fmt.Errorf("%w: unknown command %q, run predictbot -h", errUsage, command)
}

func cmdCreate(ctx context.Context, a *app, user string, args []string) error {
	fs := newFlagSet("create")
	question := fs.String("q", "", "question")
	options := fs.String("options", "Yes,No", "comma separated options")
	duration := fs.Duration("duration", 24*time.Hour, "betting window")
	category := fs.String("category", "", "optional category")
	if _, err := parseInterleaved(fs, args); err != nil {
		return err
	}
	if err := requireUser(user); err != nil {
		return err
	}

	m, err := a.markets.CreateMarket(ctx, market.CreateMarketRequest{
		Question:  *question,
		Options:   splitOptions(*options),
		Duration:  *duration,
		Category:  *category,
		CreatorID: user,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Market #%d created. Betting closes %s.\n", m.ID, m.EndTime.Local().Format("2006-01-02 15:04"))
	return printPrices(ctx, a, m.ID)
}

func cmdBet(ctx context.Context, a *app, user string, args []string) error {
	fs := newFlagSet("bet")
	econ := fs.String("economy", "", "economy to pay with (default from config)")
	pos, err := parseInterleaved(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 3 {
		return fmt.Errorf("%w: bet <market> <option> <amount>", errUsage)
	}
	if err := requireUser(user); err != nil {
		return err
	}
	id, err := parseID(pos[0])
	if err != nil {
		return err
	}
	amount, err := parseAmount(pos[2])
	if err != nil {
		return err
	}

	r, err := a.markets.PlaceBet(ctx, market.PlaceBetRequest{
		MarketID: id,
		Option:   pos[1],
		Amount:   amount,
		Economy:  *econ,
		UserID:   user,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Bet placed: %d points on %q → %s shares (avg price %s).\n",
		r.Cost, r.Option.Text, r.Shares.StringFixed(2), r.AvgPrice.StringFixed(4))
	return printPrices(ctx, a, id)
}

func cmdResolve(ctx context.Context, a *app, user string, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: resolve <market> <option>", errUsage)
	}
	if err := requireUser(user); err != nil {
		return err
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	st, err := a.markets.Resolve(ctx, id, args[1], user)
	if err != nil {
		return err
	}
	a.console.PrintSettlement(st)
	return nil
}

func cmdRefund(ctx context.Context, a *app, user string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: refund <market>", errUsage)
	}
	if err := requireUser(user); err != nil {
		return err
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	st, err := a.markets.Refund(ctx, id, user)
	if err != nil {
		return err
	}
	a.console.PrintSettlement(st)
	return nil
}

// cmdReconcile cierra un pago remoto cuyo resultado se verificó a mano.
func cmdReconcile(ctx context.Context, a *app, user string, args []string) error {
	if len(args) != 2 || (args[1] != "paid" && args[1] != "retry") {
		return fmt.Errorf("%w: reconcile <payout> paid|retry", errUsage)
	}
	if err := requireUser(user); err != nil {
		return err
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("%w: invalid payout id %q", errUsage, args[0])
	}
	if err := a.markets.ReconcilePayout(ctx, user, id, args[1] == "paid"); err != nil {
		return err
	}
	fmt.Printf("Payout %d marked %s.\n", id, args[1])
	return nil
}

func cmdMarkets(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("markets")
	offset := fs.Int("offset", 0, "skip n markets")
	limit := fs.Int("limit", 20, "max markets")
	if _, err := parseInterleaved(fs, args); err != nil {
		return err
	}
	markets, err := a.markets.ListActive(ctx, *offset, *limit)
	if err != nil {
		return err
	}
	a.console.PrintMarkets(markets, time.Now())
	return nil
}

func cmdPrices(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: prices <market>", errUsage)
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return printPrices(ctx, a, id)
}

func cmdBalance(ctx context.Context, a *app, user string, args []string) error {
	fs := newFlagSet("balance")
	econ := fs.String("economy", a.cfg.Market.DefaultEconomy, "economy")
	history := fs.Int("history", 0, "show the last n transactions (local economies)")
	if _, err := parseInterleaved(fs, args); err != nil {
		return err
	}
	if err := requireUser(user); err != nil {
		return err
	}

	bal, err := a.wallet.Balance(ctx, *econ, user)
	if err != nil {
		return err
	}
	if *history <= 0 {
		fmt.Printf("%s: %d points in %s\n", user, bal, *econ)
		return nil
	}
	acct, txs, err := a.wallet.History(ctx, *econ, user, *history)
	if err != nil {
		return err
	}
	a.console.PrintTransactions(acct, bal, txs)
	return nil
}

func cmdDeposit(ctx context.Context, a *app, user string, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: deposit <from-economy> <amount>", errUsage)
	}
	if err := requireUser(user); err != nil {
		return err
	}
	amount, err := parseAmount(args[1])
	if err != nil {
		return err
	}
	if err := a.wallet.Deposit(ctx, args[0], user, amount); err != nil {
		return err
	}
	fmt.Printf("Deposited %d points from %s into %s.\n", amount, args[0], a.cfg.Market.DefaultEconomy)
	return nil
}

func cmdTip(ctx context.Context, a *app, user string, args []string) error {
	fs := newFlagSet("tip")
	econ := fs.String("economy", a.cfg.Market.DefaultEconomy, "economy")
	pos, err := parseInterleaved(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 2 {
		return fmt.Errorf("%w: tip <user> <amount>", errUsage)
	}
	if err := requireUser(user); err != nil {
		return err
	}
	amount, err := parseAmount(pos[1])
	if err != nil {
		return err
	}
	if err := a.wallet.Tip(ctx, *econ, user, pos[0], amount); err != nil {
		return err
	}
	fmt.Printf("Sent %d points to %s.\n", amount, pos[0])
	return nil
}

func printPrices(ctx context.Context, a *app, id int64) error {
	m, err := a.markets.Market(ctx, id)
	if err != nil {
		return err
	}
	prices, err := a.markets.Prices(ctx, id)
	if err != nil {
		return err
	}
	a.console.PrintPrices(m, prices)
	return nil
}

// --- helpers ---

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// parseInterleaved acepta flags antes, entre o después de los argumentos posicionales.
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	var pos []string
	for {
		if err := fs.Parse(args); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return nil, fmt.Errorf("%w: see the flags above", errUsage)
			}
			return nil, fmt.Errorf("%w: %v", errUsage, err)
		}
		args = fs.Args()
		if len(args) == 0 {
			return pos, nil
		}
		pos = append(pos, args[0])
		args = args[1:]
	}
}

func requireUser(user string) error {
	if strings.TrimSpace(user) == "" {
		return fmt.Errorf("%w: set -user or PREDICTBOT_USER", errUsage)
	}
	return nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid market id %q", errUsage, s)
	}
	return id, nil
}

func parseAmount(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid amount %q", errUsage, s)
	}
	return n, nil
}

func splitOptions(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
