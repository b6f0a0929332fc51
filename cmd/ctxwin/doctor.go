package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/basket/ctxwin/internal/config"
	"github.com/basket/ctxwin/internal/doctor"
	ctxotel "github.com/basket/ctxwin/internal/otel"
)

func runDoctorCommand(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "emit results as JSON")
	_ = fs.Parse(args)

	d := doctor.Run(ctx, &cfg, ctxotel.Version)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(d); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			return 1
		}
	} else {
		fmt.Printf("ctxwin doctor (%s/%s, %s)\n\n", d.System.OS, d.System.Arch, d.System.Go)
		for _, r := range d.Results {
			fmt.Printf("  [%s] %-12s %s\n", r.Status, r.Name, r.Message)
			if r.Detail != "" {
				fmt.Printf("         %s\n", r.Detail)
			}
		}
	}

	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return 1
		}
	}
	return 0
}
