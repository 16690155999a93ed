// Command trade-report prints a per-coin breakdown of every closed paper
// trade in the store: win rates, P&L, hold times, exit reasons and the
// coins an operator may want to blacklist by hand.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"paper-trading-bot/config"
	"paper-trading-bot/internal/database"
	"paper-trading-bot/internal/journal"
)

const pageSize = 500

type coinStats struct {
	Coin        string
	Trades      int
	Wins        int
	Losses      int
	TotalPnL    float64
	TotalWins   float64
	TotalLosses float64
	WinRate     float64
	AvgPnL      float64
	HoldSeconds float64
}

type reasonStats struct {
	Reason string
	Trades int
	PnL    float64
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
	db, err := database.NewDB(cfg.DatabaseConfig, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	repo := database.NewRepository(db)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	trades, err := loadAllClosedTrades(ctx, repo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load trades: %v\n", err)
		os.Exit(1)
	}
	if len(trades) == 0 {
		fmt.Println("No closed trades recorded yet.")
		return
	}

	printReport(trades)
}

func loadAllClosedTrades(ctx context.Context, repo *database.Repository) ([]journal.TradeResult, error) {
	var all []journal.TradeResult
	for offset := 0; ; offset += pageSize {
		page, err := repo.ListClosedTrades(ctx, pageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}

func printReport(trades []journal.TradeResult) {
	bar := strings.Repeat("=", 80)

	byCoin := make(map[string]*coinStats)
	byReason := make(map[string]*reasonStats)
	for _, t := range trades {
		cs, ok := byCoin[t.Coin]
		if !ok {
			cs = &coinStats{Coin: t.Coin}
			byCoin[t.Coin] = cs
		}
		cs.Trades++
		cs.TotalPnL += t.PnLUSD
		cs.HoldSeconds += t.DurationS
		if t.PnLUSD > 0 {
			cs.Wins++
			cs.TotalWins += t.PnLUSD
		} else if t.PnLUSD < 0 {
			cs.Losses++
			cs.TotalLosses += t.PnLUSD
		}

		rs, ok := byReason[t.ExitReason]
		if !ok {
			rs = &reasonStats{Reason: t.ExitReason}
			byReason[t.ExitReason] = rs
		}
		rs.Trades++
		rs.PnL += t.PnLUSD
	}

	sorted := make([]*coinStats, 0, len(byCoin))
	for _, cs := range byCoin {
		cs.WinRate = float64(cs.Wins) / float64(cs.Trades) * 100
		cs.AvgPnL = cs.TotalPnL / float64(cs.Trades)
		sorted = append(sorted, cs)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].TotalPnL > sorted[j].TotalPnL
	})

	fmt.Println(bar)
	fmt.Println("PAPER TRADING PERFORMANCE BY COIN")
	fmt.Println(bar)

	fmt.Println("┌──────────┬────────┬────────┬────────┬──────────────┬────────────┬──────────┬───────────┐")
	fmt.Println("│ Coin     │ Trades │ Wins   │ Losses │ Total P&L    │ Avg P&L    │ Win Rate │ Avg Hold  │")
	fmt.Println("├──────────┼────────┼────────┼────────┼──────────────┼────────────┼──────────┼───────────┤")

	var grand coinStats
	for _, cs := range sorted {
		marker := "+"
		if cs.TotalPnL < 0 {
			marker = "-"
		}
		hold := time.Duration(cs.HoldSeconds/float64(cs.Trades)) * time.Second
		fmt.Printf("│ %s %-6s │ %6d │ %6d │ %6d │ %+12.2f │ %+10.2f │ %7.1f%% │ %9s │\n",
			marker, truncate(cs.Coin, 6),
			cs.Trades, cs.Wins, cs.Losses,
			cs.TotalPnL, cs.AvgPnL, cs.WinRate, hold.Truncate(time.Second))

		grand.Trades += cs.Trades
		grand.Wins += cs.Wins
		grand.Losses += cs.Losses
		grand.TotalPnL += cs.TotalPnL
		grand.HoldSeconds += cs.HoldSeconds
	}

	fmt.Println("├──────────┼────────┼────────┼────────┼──────────────┼────────────┼──────────┼───────────┤")
	grandWinRate := float64(grand.Wins) / float64(grand.Trades) * 100
	grandHold := time.Duration(grand.HoldSeconds/float64(grand.Trades)) * time.Second
	fmt.Printf("│ TOTAL    │ %6d │ %6d │ %6d │ %+12.2f │ %+10.2f │ %7.1f%% │ %9s │\n",
		grand.Trades, grand.Wins, grand.Losses,
		grand.TotalPnL, grand.TotalPnL/float64(grand.Trades), grandWinRate, grandHold.Truncate(time.Second))
	fmt.Println("└──────────┴────────┴────────┴────────┴──────────────┴────────────┴──────────┴───────────┘")

	fmt.Println()
	fmt.Println("EXITS BY REASON")
	reasons := make([]*reasonStats, 0, len(byReason))
	for _, rs := range byReason {
		reasons = append(reasons, rs)
	}
	sort.Slice(reasons, func(i, j int) bool {
		return reasons[i].Trades > reasons[j].Trades
	})
	for _, rs := range reasons {
		fmt.Printf("   %-12s %5d trades  %+10.2f USD\n", rs.Reason, rs.Trades, rs.PnL)
	}

	fmt.Println()
	fmt.Println(bar)
	fmt.Println("WORST PERFORMERS")
	fmt.Println(bar)
	worst := 0
	for i := len(sorted) - 1; i >= 0 && worst < 5; i-- {
		cs := sorted[i]
		if cs.TotalPnL >= 0 {
			break
		}
		avgLoss := 0.0
		if cs.Losses > 0 {
			avgLoss = cs.TotalLosses / float64(cs.Losses)
		}
		fmt.Printf("   %s: %.2f USD total | %d losses | avg loss %.2f | win rate %.1f%%\n",
			cs.Coin, cs.TotalPnL, cs.Losses, avgLoss, cs.WinRate)
		worst++
	}
	if worst == 0 {
		fmt.Println("   None, nothing in the red")
	}

	fmt.Println()
	fmt.Println(bar)
	fmt.Println("BEST PERFORMERS")
	fmt.Println(bar)
	best := 0
	for _, cs := range sorted {
		if cs.TotalPnL <= 0 || best >= 5 {
			break
		}
		avgWin := 0.0
		if cs.Wins > 0 {
			avgWin = cs.TotalWins / float64(cs.Wins)
		}
		fmt.Printf("   %s: %.2f USD total | %d wins | avg win %.2f | win rate %.1f%%\n",
			cs.Coin, cs.TotalPnL, cs.Wins, avgWin, cs.WinRate)
		best++
	}
	if best == 0 {
		fmt.Println("   None yet")
	}

	fmt.Println()
	fmt.Println(bar)
	fmt.Println("BLACKLIST CANDIDATES (negative P&L, low win rate, 3+ trades)")
	fmt.Println(bar)
	candidates := 0
	for i := len(sorted) - 1; i >= 0; i-- {
		cs := sorted[i]
		if cs.TotalPnL < -20 && cs.WinRate < 45 && cs.Trades >= 3 {
			fmt.Printf("   %s (P&L %.2f, win rate %.1f%%, %d trades)\n",
				cs.Coin, cs.TotalPnL, cs.WinRate, cs.Trades)
			candidates++
		}
	}
	if candidates == 0 {
		fmt.Println("   None identified")
	}
	fmt.Println()
	fmt.Println("The learning loop applies its own blacklists; this list is the manual cross-check.")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
