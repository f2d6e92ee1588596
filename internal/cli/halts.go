package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"market-alerts/internal/chart"
)

var (
	chartExchange string
	chartSymbol   string
	chartHint     string
	chartOutput   string
)

var haltsCmd = &cobra.Command{
	Use:   "halts",
	Short: "Display the stored trading halt snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ShowHalts(cmd.Context(), cmd.OutOrStdout())
	},
}

var chartCmd = &cobra.Command{
	Use:   "chart",
	Short: "Render a price chart to a PNG file",
	RunE: func(cmd *cobra.Command, args []string) error {
		hint := chart.Hint(strings.ToLower(chartHint))
		switch hint {
		case chart.HintShort, chart.HintLong:
		default:
			return fmt.Errorf("--hint must be %q or %q", chart.HintShort, chart.HintLong)
		}
		return getApp().RenderChart(cmd.Context(), chartExchange, chartSymbol, hint, chartOutput)
	},
}

func init() {
	chartCmd.Flags().StringVar(&chartExchange, "exchange", "NASDAQ", "Exchange prefix for the symbol")
	chartCmd.Flags().StringVar(&chartSymbol, "symbol", "", "Ticker symbol to chart")
	chartCmd.Flags().StringVar(&chartHint, "hint", string(chart.HintShort), "Chart range: short or long")
	chartCmd.Flags().StringVarP(&chartOutput, "output", "o", "", "Output file (defaults to SYMBOL.png)")
	_ = chartCmd.MarkFlagRequired("symbol")
}
