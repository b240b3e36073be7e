package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldops/dispatch/pkg/feedclient"
)

var zoneCmd = &cobra.Command{
	Use:   "zone <department> <geohash>",
	Short: "Watch the on-duty staff of a presence zone",
	Long: `Watch the on-duty staff of a presence zone.

Prints the current staff of the zone and then every arrival, update and
departure. Pass --once to print the current staff and exit.`,
	Args: cobra.ExactArgs(2),
	RunE: runZone,
}

func init() {
	rootCmd.AddCommand(zoneCmd)
	zoneCmd.Flags().Bool("once", false, "print the current staff and exit")
}

func runZone(cmd *cobra.Command, args []string) error {
	client := newClient(cmd)
	out := cmd.OutOrStdout()
	department, geohash := args[0], args[1]

	if once, _ := cmd.Flags().GetBool("once"); once {
		recs, err := client.Staff(cmd.Context(), department, geohash)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d on duty in %s/%s\n", len(recs), department, geohash)
		for _, r := range recs {
			printStaff(out, "", r)
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := client.WatchZone(ctx, department, geohash, func(f feedclient.ZoneFrame) {
		switch f.Kind {
		case "snapshot":
			fmt.Fprintf(out, "%d on duty in %s/%s\n", len(f.Records), department, geohash)
			for _, r := range f.Records {
				printStaff(out, "", r)
			}
		case "removed":
			fmt.Fprintf(out, "- %s left\n", f.Identity)
		default:
			if f.Record != nil {
				sign := "~"
				if f.Kind == "added" {
					sign = "+"
				}
				printStaff(out, sign+" ", *f.Record)
			}
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printStaff(w io.Writer, prefix string, r feedclient.StaffRecord) {
	fmt.Fprintf(w, "%s%s (%s) %s at %.5f,%.5f seen %s\n",
		prefix, r.DisplayName, r.Identity, r.Status, r.Coords.Lat, r.Coords.Lng, r.LastSeen.Local().Format(time.TimeOnly))
}
