package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	schwab "github.com/bjoelf/schwab-adapter/adapter"
	"github.com/spf13/cobra"
)

func authCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Ensure a valid credential, authorizing interactively if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			cred, err := a.auth.EnsureAuthenticated(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "state:           %s\n", a.auth.State())
			fmt.Fprintf(out, "access expires:  %s\n", cred.AccessExpiry().Local().Format(time.RFC1123))
			fmt.Fprintf(out, "refresh expires: %s\n", cred.RefreshExpiry().Local().Format(time.RFC1123))
			return nil
		},
	}
}

func hoursCmd() *cobra.Command {
	var market string
	cmd := &cobra.Command{
		Use:   "hours",
		Short: "Print today's market session window",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			hours, err := a.client.GetMarketHours(cmd.Context(), market)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "market: %s  date: %s  open: %v\n", hours.Market, hours.Date, hours.IsOpen)
			printSession(cmd, "pre-market", hours.PreMarket)
			printSession(cmd, "regular", hours.Regular)
			printSession(cmd, "post-market", hours.PostMarket)
			return nil
		},
	}
	cmd.Flags().StringVar(&market, "market", schwab.MarketEquity, "Market: equity, option, bond, future, forex")
	return cmd
}

func printSession(cmd *cobra.Command, name string, w *schwab.SessionWindow) {
	if w == nil {
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "  %-12s %s - %s UTC\n", name, w.Start.UTC().Format("15:04"), w.End.UTC().Format("15:04"))
}

func quoteCmd() *cobra.Command {
	var fields string
	cmd := &cobra.Command{
		Use:   "quote SYMBOL...",
		Short: "Fetch level one quotes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			quotes, err := a.client.GetQuotes(cmd.Context(), args, fields)
			if err != nil {
				return err
			}
			symbols := make([]string, 0, len(quotes))
			for s := range quotes {
				symbols = append(symbols, s)
			}
			sort.Strings(symbols)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-8s %10s %10s %10s %12s\n", "SYMBOL", "BID", "ASK", "LAST", "VOLUME")
			for _, s := range symbols {
				q := quotes[s]
				fmt.Fprintf(out, "%-8s %10.2f %10.2f %10.2f %12d\n", q.Symbol, q.BidPrice, q.AskPrice, q.LastPrice, q.TotalVolume)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&fields, "fields", "quote", "Field groups: quote, fundamental, extended, reference, regular")
	return cmd
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
