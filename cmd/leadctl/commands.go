package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"gitlab.com/timkado/api/lead-capture-service/internal/filter"
	"gitlab.com/timkado/api/lead-capture-service/internal/reqctx"
)

func (a *app) importCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.csv|->",
		Short: "Import leads from a CSV spreadsheet",
		Long: `Import reads a CSV with a MAQUINA, FECHA, NOMBRE, CORREO, TELEFONO,
FOLIO, CONTACTADO, POSIBLE header (any order, any case) and saves each row.
A bad row is reported and skipped; the rest of the file is still imported.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, closeIn, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer closeIn()

			return a.withService(cmd, func(ctx context.Context, svc leadService) error {
				res, err := svc.ImportCSV(reqctx.WithSource(ctx, "cli"), in)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, rowErr := range res.Errors {
					fmt.Fprintf(out, "line %d: %v\n", rowErr.Line, rowErr.Err)
				}
				fmt.Fprintf(out, "imported %d, failed %d\n", res.Successes, res.Failures)
				return nil
			})
		},
	}
}

func (a *app) exportCommand() *cobra.Command {
	var (
		c      filter.Criteria
		output string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export filtered leads as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("creating %s: %w", output, err)
				}
				defer f.Close()
				out = f
			}
			return a.withService(cmd, func(ctx context.Context, svc leadService) error {
				return svc.Export(ctx, c, out)
			})
		},
	}

	f := cmd.Flags()
	f.StringVarP(&c.Text, "query", "q", "", "case-insensitive text match on name, email, phone or folio")
	f.StringVar(&c.Contacted, "contacted", "", "yes, no or unknown")
	f.StringVar(&c.Qualified, "qualified", "", "yes, no or unknown")
	f.StringVar(&c.From, "from", "", "first capture date, YYYY-MM-DD")
	f.StringVar(&c.To, "to", "", "last capture date, YYYY-MM-DD")
	f.StringVar(&c.MachineID, "machine", "", "machine number")
	f.IntVar(&c.Limit, "limit", 0, "maximum rows (0 uses the configured default)")
	f.StringVarP(&output, "output", "o", "-", "output file, - for stdout")
	return cmd
}

func (a *app) probeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Write a diagnostic record to check store access",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc leadService) error {
				key, err := svc.Probe(reqctx.WithSource(ctx, "cli"))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
				return nil
			})
		},
	}
}

func openInput(cmd *cobra.Command, name string) (io.Reader, func(), error) {
	if name == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", name, err)
	}
	return f, func() { _ = f.Close() }, nil
}
