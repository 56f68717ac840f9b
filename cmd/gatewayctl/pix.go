package main

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/angelmondragon/mesa-payments/pkg/pix"
)

func pixCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pix",
		Short: "Build and inspect BR Code payloads",
	}
	cmd.AddCommand(pixEncodeCmd())
	cmd.AddCommand(pixVerifyCmd())
	cmd.AddCommand(pixDecodeCmd())
	return cmd
}

func pixEncodeCmd() *cobra.Command {
	var (
		key, name, city, description, txid, amount string
	)
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Render a BR Code for a key and amount",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			value := decimal.Zero
			if strings.TrimSpace(amount) != "" {
				parsed, err := decimal.NewFromString(amount)
				if err != nil {
					return fmt.Errorf("invalid amount %q: %w", amount, err)
				}
				value = parsed
			}
			payload, err := pix.Encode(pix.Payload{
				Key:          key,
				Description:  description,
				MerchantName: name,
				MerchantCity: city,
				Amount:       value,
				TxID:         txid,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), payload)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "PIX key of the receiving account")
	cmd.Flags().StringVar(&name, "merchant-name", "", "merchant name shown to the payer")
	cmd.Flags().StringVar(&city, "merchant-city", "", "merchant city")
	cmd.Flags().StringVar(&description, "description", "", "free text shown to the payer")
	cmd.Flags().StringVar(&txid, "txid", "", "reference carried in the additional data field")
	cmd.Flags().StringVar(&amount, "amount", "", "amount in BRL; omit for an open amount")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func pixVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [payload]",
		Short: "Check the CRC of a BR Code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !pix.Verify(strings.TrimSpace(args[0])) {
				return pix.ErrChecksum
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func pixDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode [payload]",
		Short: "Print the fields of a BR Code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pix.Decode(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key:           %s\n", p.Key)
			fmt.Fprintf(out, "merchant name: %s\n", p.MerchantName)
			fmt.Fprintf(out, "merchant city: %s\n", p.MerchantCity)
			if !p.Amount.IsZero() {
				fmt.Fprintf(out, "amount:        %s\n", pix.FormatAmount(p.Amount))
			}
			if p.Description != "" {
				fmt.Fprintf(out, "description:   %s\n", p.Description)
			}
			if p.TxID != "" {
				fmt.Fprintf(out, "txid:          %s\n", p.TxID)
			}
			return nil
		},
	}
}
