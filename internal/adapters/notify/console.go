package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/predictbot/internal/domain"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Console implementa ports.Notifier y ports.EventPublisher escribiendo a un io.Writer.
// También renderiza los reportes de la CLI.
type Console struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout, now: time.Now}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w, now: time.Now}
}

// Notify imprime el mensaje dirigido al usuario.
func (c *Console) Notify(_ context.Context, userID, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "[%s] → %s: %s\n", c.now().Format("15:04:05"), userID, message)
	return err
}

// Publish imprime una línea por evento de mercado.
func (c *Console) Publish(_ context.Context, ev domain.MarketEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] market #%d %s (%s)", ev.At.Format("15:04:05"), ev.MarketID, ev.Kind, ev.Status)
	if ev.Kind == domain.EventBet {
		fmt.Fprintf(&sb, " %s bet %d on %s", ev.UserID, ev.Amount, ev.Option)
	}
	_, err := fmt.Fprintln(c.out, sb.String())
	return err
}

// PrintMarkets imprime la lista de mercados con sus probabilidades.
func (c *Console) PrintMarkets(markets []domain.Market, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(markets) == 0 {
		fmt.Fprintln(c.out, "no markets")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Question", "Status", "Ends", "Odds")
	for _, m := range markets {
		table.Append(
			fmt.Sprintf("%d", m.ID),
			compactName(m.Question, 48),
			string(m.StatusAt(now)),
			formatRemaining(m.EndTime.Sub(now)),
			oddsLabel(m),
		)
	}
	table.Render()
}

// PrintPrices imprime la cotización de cada opción del mercado.
func (c *Console) PrintPrices(m domain.Market, prices []domain.OptionPrice) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "\n#%d %s\n", m.ID, m.Question)
	table := tablewriter.NewWriter(c.out)
	table.Header("Option", "Prob", "Price", "Shares/quote", "Volume")
	for _, p := range prices {
		table.Append(
			p.Option.Text,
			p.Probability.Mul(hundred).StringFixed(1)+"%",
			p.Price.StringFixed(4),
			fmt.Sprintf("%s per %d", p.QuoteShares.StringFixed(2), p.QuotePoints),
			fmt.Sprintf("%d", p.Volume),
		)
	}
	table.Render()
}

// PrintSettlement imprime el resultado de una resolución o reembolso.
func (c *Console) PrintSettlement(s domain.Settlement) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := s.Market
	switch {
	case s.AlreadySettled:
		fmt.Fprintf(c.out, "market #%d was already %s\n", m.ID, m.Status)
	case m.Status == domain.StatusResolved:
		winner, _ := m.WinningOption()
		fmt.Fprintf(c.out, "market #%d resolved: %s\n", m.ID, winner.Text)
	default:
		fmt.Fprintf(c.out, "market #%d refunded\n", m.ID)
	}
	fmt.Fprintf(c.out, "  pool %d | distributed %d | dust %d\n", s.TotalPool, s.Distributed, s.Dust)

	if len(s.Payouts) == 0 {
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("User", "Economy", "Kind", "Amount", "Status")
	for _, p := range s.Payouts {
		table.Append(p.UserID, p.Economy, string(p.Kind), fmt.Sprintf("%d", p.Amount), string(p.Status))
	}
	table.Render()
}

// PrintPayouts imprime pagos que esperan reconciliación.
func (c *Console) PrintPayouts(payouts []domain.Payout) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(payouts) == 0 {
		fmt.Fprintln(c.out, "no payouts awaiting reconciliation")
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "Market", "User", "Economy", "Amount", "Attempts", "Last error")
	for _, p := range payouts {
		table.Append(
			fmt.Sprintf("%d", p.ID),
			fmt.Sprintf("#%d", p.MarketID),
			p.UserID,
			p.Economy,
			fmt.Sprintf("%d", p.Amount),
			fmt.Sprintf("%d", p.Attempts),
			compactName(p.LastError, 40),
		)
	}
	table.Render()
}

// PrintTransactions imprime el historial de una cuenta.
func (c *Console) PrintTransactions(acct domain.Account, balance int64, txs []domain.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "%s balance: %d\n", acct, balance)
	if len(txs) == 0 {
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("When", "Kind", "Amount", "Balance", "Memo")
	for _, t := range txs {
		table.Append(
			t.CreatedAt.Local().Format("2006-01-02 15:04"),
			string(t.Kind),
			fmt.Sprintf("%d", t.Amount),
			fmt.Sprintf("%d", t.Balance),
			compactName(t.Memo, 40),
		)
	}
	table.Render()
}

// --- helpers ---

func oddsLabel(m domain.Market) string {
	probs := m.Pool().Probabilities()
	parts := make([]string, 0, len(probs))
	for i, p := range probs {
		parts = append(parts, fmt.Sprintf("%s %s%%", m.Options[i].Text, p.Mul(hundred).StringFixed(0)))
	}
	return strings.Join(parts, " / ")
}

func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return "ended"
	}
	if d >= 24*time.Hour {
		return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
	}
	if d >= time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dm", int(d.Minutes()))
}

func compactName(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
