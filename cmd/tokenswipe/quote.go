package main

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/polisai/tokenswipe/pkg/config"
	"github.com/polisai/tokenswipe/pkg/domain"
	"github.com/polisai/tokenswipe/pkg/logging"
)

func newQuoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Print the best quote across the configured venues",
		Long: `Queries every configured venue once and prints the selected quote as JSON.
Tokens may be given by symbol or address.`,
		Args: cobra.NoArgs,
		RunE: runQuote,
	}
	cmd.Flags().String("in", "", "Token to sell (symbol or address)")
	cmd.Flags().String("out", "", "Token to buy (symbol or address)")
	cmd.Flags().String("amount", "", "Amount of the input token, in whole units")
	cmd.Flags().String("slippage", "0.5", "Slippage tolerance in percent")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func runQuote(cmd *cobra.Command, _ []string) error {
	configPath, envFile, err := configFlags(cmd)
	if err != nil {
		return err
	}
	in, _ := cmd.Flags().GetString("in")
	out, _ := cmd.Flags().GetString("out")
	amountFlag, _ := cmd.Flags().GetString("amount")
	slippageFlag, _ := cmd.Flags().GetString("slippage")

	amount, err := decimal.NewFromString(amountFlag)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", amountFlag, err)
	}
	slippage, err := decimal.NewFromString(slippageFlag)
	if err != nil {
		return fmt.Errorf("invalid slippage %q: %w", slippageFlag, err)
	}

	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{Level: "warn", Output: cmd.ErrOrStderr()})
	q, err := newQuoting(cmd.Context(), cfg, logger, nil)
	if err != nil {
		return err
	}
	defer q.close()

	tokenIn, ok := q.registry.Lookup(in)
	if !ok {
		return fmt.Errorf("unknown token %q", in)
	}
	tokenOut, ok := q.registry.Lookup(out)
	if !ok {
		return fmt.Errorf("unknown token %q", out)
	}

	req := domain.SwapRequest{
		TokenIn:     tokenIn.Address,
		TokenOut:    tokenOut.Address,
		AmountIn:    amount,
		SlippageBps: int(slippage.Mul(decimal.NewFromInt(100)).Round(0).IntPart()),
	}
	if err := req.Validate(); err != nil {
		return err
	}

	quote, err := q.aggregator.GetBestQuote(cmd.Context(), req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(quote)
}
