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

	"okx-trading-advisor/config"
	"okx-trading-advisor/internal/database"
	"okx-trading-advisor/internal/reco"
)

type symbolReport struct {
	Symbol     string
	Total      int
	Wins       int
	Losses     int
	Breakevens int
	TotalPnl   float64
	AvgPnl     float64
	WinRate    float64
	AvgHold    time.Duration
	ByReason   map[reco.ExitReason]int
}

type confidenceBucket struct {
	MinConf  float64
	MaxConf  float64
	Total    int
	Wins     int
	Losses   int
	TotalPnl float64
}

func divider() string {
	return strings.Repeat("=", 80)
}

func main() {
	// Pick up .env from the working directory or the repo root.
	godotenv.Load()
	godotenv.Load("../../.env")

	cfg, _, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.Disabled {
		fmt.Println("❌ Database is disabled, nothing to analyze")
		os.Exit(1)
	}

	db, err := database.New(cfg.Database, zerolog.Nop())
	if err != nil {
		fmt.Printf("❌ Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	repo := database.NewRepository(db)

	// Optional symbol filter: analyze-recos ETH-USDT-SWAP
	symbol := ""
	if len(os.Args) > 1 {
		symbol = strings.ToUpper(strings.TrimSpace(os.Args[1]))
	}

	ctx := context.Background()
	recs, err := repo.GetHistory(ctx, symbol, 5000)
	if err != nil {
		fmt.Printf("❌ Failed to load recommendation history: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(divider())
	fmt.Println("📊 RECOMMENDATION PERFORMANCE ANALYSIS")
	fmt.Println(divider())
	if symbol != "" {
		fmt.Printf("   Symbol filter: %s\n", symbol)
	}
	fmt.Printf("   Closed recommendations loaded: %d\n", len(recs))

	if len(recs) == 0 {
		fmt.Println("\n❌ No closed recommendations found")
		return
	}

	bySymbol := make(map[string]*symbolReport)
	buckets := []*confidenceBucket{
		{MinConf: 0.0, MaxConf: 0.5},
		{MinConf: 0.5, MaxConf: 0.6},
		{MinConf: 0.6, MaxConf: 0.7},
		{MinConf: 0.7, MaxConf: 0.8},
		{MinConf: 0.8, MaxConf: 0.9},
		{MinConf: 0.9, MaxConf: 1.01},
	}
	reasonTotals := make(map[reco.ExitReason]int)

	for _, rec := range recs {
		s, ok := bySymbol[rec.Symbol]
		if !ok {
			s = &symbolReport{Symbol: rec.Symbol, ByReason: make(map[reco.ExitReason]int)}
			bySymbol[rec.Symbol] = s
		}
		s.Total++
		s.TotalPnl += rec.PnlPercent
		s.ByReason[rec.ExitReason]++
		reasonTotals[rec.ExitReason]++
		if rec.ExitTime != nil {
			s.AvgHold += rec.ExitTime.Sub(rec.CreatedAt)
		}
		switch rec.Result {
		case reco.ResultWin:
			s.Wins++
		case reco.ResultLoss:
			s.Losses++
		case reco.ResultBreakeven:
			s.Breakevens++
		}

		for _, b := range buckets {
			if rec.ConfidenceScore >= b.MinConf && rec.ConfidenceScore < b.MaxConf {
				b.Total++
				b.TotalPnl += rec.PnlPercent
				if rec.Result == reco.ResultWin {
					b.Wins++
				} else if rec.Result == reco.ResultLoss {
					b.Losses++
				}
				break
			}
		}
	}

	var sorted []*symbolReport
	for _, s := range bySymbol {
		if decided := s.Wins + s.Losses; decided > 0 {
			s.WinRate = float64(s.Wins) / float64(decided) * 100
		}
		s.AvgPnl = s.TotalPnl / float64(s.Total)
		s.AvgHold /= time.Duration(s.Total)
		sorted = append(sorted, s)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].TotalPnl > sorted[j].TotalPnl
	})

	fmt.Println("\n" + divider())
	fmt.Println("📈 PERFORMANCE BY SYMBOL")
	fmt.Println(divider())

	fmt.Println("┌──────────────────┬───────┬──────┬────────┬──────┬────────────┬───────────┬──────────┐")
	fmt.Println("│ Symbol           │ Total │ Wins │ Losses │ B/E  │ Total PnL% │ Avg PnL%  │ Win Rate │")
	fmt.Println("├──────────────────┼───────┼──────┼────────┼──────┼────────────┼───────────┼──────────┤")

	var grandPnl float64
	var grandTotal, grandWins, grandLosses int
	for _, s := range sorted {
		emoji := "🟢"
		if s.TotalPnl < 0 {
			emoji = "🔴"
		}
		fmt.Printf("│ %s %-14s │ %5d │ %4d │ %6d │ %4d │ %+10.2f │ %+9.2f │ %7.1f%% │\n",
			emoji, truncate(s.Symbol, 14),
			s.Total, s.Wins, s.Losses, s.Breakevens,
			s.TotalPnl, s.AvgPnl, s.WinRate)
		grandPnl += s.TotalPnl
		grandTotal += s.Total
		grandWins += s.Wins
		grandLosses += s.Losses
	}
	fmt.Println("└──────────────────┴───────┴──────┴────────┴──────┴────────────┴───────────┴──────────┘")

	grandWinRate := 0.0
	if decided := grandWins + grandLosses; decided > 0 {
		grandWinRate = float64(grandWins) / float64(decided) * 100
	}
	fmt.Printf("\n📊 Overall: %d closed | win rate %.1f%% | cumulative PnL %+.2f%%\n",
		grandTotal, grandWinRate, grandPnl)

	fmt.Println("\n" + divider())
	fmt.Println("🚪 EXIT REASON BREAKDOWN")
	fmt.Println(divider())
	for _, reason := range []reco.ExitReason{
		reco.ExitReasonTP, reco.ExitReasonTrail, reco.ExitReasonSL,
		reco.ExitReasonTimeout, reco.ExitReasonManual, reco.ExitReasonExpired,
	} {
		count := reasonTotals[reason]
		if count == 0 {
			continue
		}
		pct := float64(count) / float64(grandTotal) * 100
		fmt.Printf("   %-8s %5d  (%.1f%%)\n", reason, count, pct)
	}

	fmt.Println("\n" + divider())
	fmt.Println("🧪 WIN RATE BY CONFIDENCE BUCKET")
	fmt.Println(divider())
	for _, b := range buckets {
		if b.Total == 0 {
			continue
		}
		winRate := 0.0
		if decided := b.Wins + b.Losses; decided > 0 {
			winRate = float64(b.Wins) / float64(decided) * 100
		}
		fmt.Printf("   %.2f-%.2f: %4d recs | win rate %5.1f%% | avg PnL %+6.2f%%\n",
			b.MinConf, b.MaxConf, b.Total, winRate, b.TotalPnl/float64(b.Total))
	}

	printInsights(sorted, reasonTotals, grandTotal, grandWinRate)
}

func printInsights(sorted []*symbolReport, reasons map[reco.ExitReason]int, total int, winRate float64) {
	fmt.Println("\n" + divider())
	fmt.Println("💡 INSIGHTS")
	fmt.Println(divider())

	if winRate < 50 {
		fmt.Printf("\n   ⚠️  Overall win rate is %.1f%% - below 50%%\n", winRate)
		fmt.Println("   → Consider raising strategy.minCombinedStrengthLong/Short")
	} else {
		fmt.Printf("\n   ✅ Overall win rate is %.1f%%\n", winRate)
	}

	if total > 0 {
		if timeouts := reasons[reco.ExitReasonTimeout]; float64(timeouts)/float64(total) > 0.3 {
			fmt.Printf("   ⚠️  %d recommendations (%.0f%%) timed out\n",
				timeouts, float64(timeouts)/float64(total)*100)
			fmt.Println("   → Consider lowering recommendation.maxHoldingHours or tightening entries")
		}
		if stops := reasons[reco.ExitReasonSL]; float64(stops)/float64(total) > 0.4 {
			fmt.Printf("   ⚠️  %d recommendations (%.0f%%) hit the stop loss\n",
				stops, float64(stops)/float64(total)*100)
			fmt.Println("   → Review risk.stopLossPercent against recent volatility")
		}
	}

	fmt.Println("\n   🚫 UNDERPERFORMERS (negative PnL, low win rate, 3+ closes):")
	flagged := 0
	for i := len(sorted) - 1; i >= 0; i-- {
		s := sorted[i]
		if s.TotalPnl < 0 && s.WinRate < 45 && s.Total >= 3 {
			fmt.Printf("      - %s (PnL %+.2f%%, win rate %.1f%%, closes %d, avg hold %s)\n",
				s.Symbol, s.TotalPnl, s.WinRate, s.Total, s.AvgHold.Round(time.Minute))
			flagged++
		}
	}
	if flagged == 0 {
		fmt.Println("      None identified")
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
