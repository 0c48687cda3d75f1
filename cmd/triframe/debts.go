package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/triframe/triframe/internal/debt"
)

func newDebtsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "debts",
		Short: "Print the correctness debt registry",
		Long:  "Lists every tracked correctness gate and whether it is resolved. PRODUCTION mode refuses to start while any gate is unresolved.",
		RunE: func(*cobra.Command, []string) error {
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "GATE\tRESOLVED")
			for _, g := range debt.Gates() {
				fmt.Fprintf(w, "%s\t%t\n", g, debt.Resolved(g))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if unresolved := debt.Unresolved(); len(unresolved) > 0 {
				fmt.Printf("\n%d unresolved gate(s) block PRODUCTION mode\n", len(unresolved))
			}
			return nil
		},
	}
}
