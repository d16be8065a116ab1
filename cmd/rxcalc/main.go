// Package main provides the rxcalc command line tool for offline SIG
// parsing, quantity calculation and package optimization.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-rxcalc/internal/catalog"
	"github.com/drfirst/go-rxcalc/internal/packaging"
	"github.com/drfirst/go-rxcalc/internal/quantity"
	"github.com/drfirst/go-rxcalc/internal/sig"
)

// errFailed reports an unsuccessful calculation after its JSON was printed
var errFailed = errors.New("calculation failed")

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "rxcalc",
		Short:         "Prescription quantity calculator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.AddCommand(newParseCmd(), newQuantityCmd(), newOptimizeCmd())
	return root
}

func newParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <sig>",
		Short: "Parse a SIG into structured dosage instructions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed := sig.Parse(strings.Join(args, " "))
			if err := printJSON(cmd.OutOrStdout(), parsed); err != nil {
				return err
			}
			if !parsed.HasDosage() {
				return errFailed
			}
			return nil
		},
	}
}

func newQuantityCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "quantity <sig>",
		Short: "Compute the total dispense quantity for a days supply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := quantity.Compute(strings.Join(args, " "), days)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Succeeded {
				return errFailed
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "days supply")
	return cmd
}

func newOptimizeCmd() *cobra.Command {
	var (
		qty   float64
		sizes []float64
	)
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Choose the package that covers a quantity with least waste",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pkgs := make([]catalog.PackageInfo, 0, len(sizes))
			for _, size := range sizes {
				pkgs = append(pkgs, catalog.PackageInfo{
					PackageNDC:  fmt.Sprintf("size-%g", size),
					Description: fmt.Sprintf("%g UNIT in 1 PACKAGE", size),
					Size:        size,
					Status:      catalog.StatusActive,
				})
			}

			res := packaging.Optimize(qty, pkgs)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Succeeded {
				return errFailed
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&qty, "quantity", 0, "quantity to dispense")
	cmd.Flags().Float64SliceVar(&sizes, "sizes", nil, "available package sizes, comma separated")
	_ = cmd.MarkFlagRequired("quantity")
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
