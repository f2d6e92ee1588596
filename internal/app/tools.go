package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"market-alerts/internal/chart"
	"market-alerts/internal/config"
	"market-alerts/internal/storage"
)

// ShowHalts prints the persisted halt snapshot.
func (a *App) ShowHalts(ctx context.Context, out io.Writer) error {
	backend, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer backend.Close()

	snapshot, found, err := backend.LoadHaltSnapshot(ctx)
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintln(out, "no halt snapshot stored")
		return nil
	}
	return writeSnapshot(out, snapshot)
}

func writeSnapshot(out io.Writer, snapshot storage.HaltSnapshot) error {
	symbols := make([]string, 0, len(snapshot.Halts))
	for symbol := range snapshot.Halts {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	fmt.Fprintf(out, "snapshot taken %s, %d halts\n", snapshot.TakenAt.UTC().Format(time.RFC3339), len(symbols))
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tCODE\tMARKET\tHALTED\tRESUMES\tNAME")
	for _, symbol := range symbols {
		h := snapshot.Halts[symbol]
		resumes := "-"
		if h.ResumesAt != nil {
			resumes = h.ResumesAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			h.Symbol, h.Code, h.Market, h.HaltedAt.UTC().Format(time.RFC3339), resumes, h.Name)
	}
	return w.Flush()
}

// RenderChart draws a price chart for symbol and writes it as PNG to output.
func (a *App) RenderChart(ctx context.Context, exchange, symbol string, hint chart.Hint, output string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if hint == chart.HintNone || hint == "" {
		hint = chart.HintShort
	}
	if output == "" {
		output = symbol + ".png"
	}

	png, err := a.newChartRenderer(a.newCandles()).Render(ctx, exchange, symbol, hint)
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, png, 0o644); err != nil {
		return fmt.Errorf("write chart: %w", err)
	}
	a.Logger.Info().Str("symbol", symbol).Str("output", output).Int("bytes", len(png)).Msg("chart written")
	return nil
}

// Migrate applies or rolls back the embedded Postgres migrations.
func (a *App) Migrate(ctx context.Context, direction string, steps int) error {
	if a.Config.Database.Driver == config.DriverMongo {
		return fmt.Errorf("migrations only apply to the postgres driver")
	}
	switch direction {
	case "up":
		return storage.MigrateUp(ctx, a.Config.Database.DSN, a.Logger)
	case "down":
		return storage.MigrateDown(ctx, a.Config.Database.DSN, steps, a.Logger)
	default:
		return fmt.Errorf("unknown migration direction %q", direction)
	}
}
