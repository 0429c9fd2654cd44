package main

import (
	"fmt"
	"io"
	"net/netip"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Doridian/tracething/internal/config"
	"github.com/Doridian/tracething/internal/domain"
)

func explainCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "explain <destination> <hop-limit>",
		Short: "Show how a probe would be answered",
		Long: `Classify a destination and hop limit against the configured prefixes and
print the response the responder would send. No capture handle is opened.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			space, err := cfg.AddressSpace()
			if err != nil {
				return err
			}
			return explain(cmd.OutOrStdout(), space, cfg.Policy(), args[0], args[1])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "tracething.yaml", "Path to config file")

	return cmd
}

func explain(w io.Writer, space domain.AddressSpace, policy domain.Policy, dstArg, hopArg string) error {
	dst, err := netip.ParseAddr(dstArg)
	if err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	hop, err := strconv.ParseUint(hopArg, 10, 8)
	if err != nil {
		return fmt.Errorf("hop limit: %w", err)
	}

	c := space.Classify(dst)
	fmt.Fprintf(w, "region:  %s\n", c.Region)
	if c.Region == domain.RegionProbe {
		fmt.Fprintf(w, "suffix:  %q\n", c.Suffix)
	}

	d, err := policy.Decide(space, c, dst, uint8(hop))
	if err != nil {
		fmt.Fprintf(w, "action:  %s (%v)\n", d.Action, err)
		return nil
	}
	fmt.Fprintf(w, "action:  %s\n", d.Action)
	if d.Action == domain.ActionDrop {
		return nil
	}
	fmt.Fprintf(w, "source:  %s\n", d.Source)
	if d.Action == domain.ActionHopExceeded {
		fmt.Fprintf(w, "hop:     %d\n", d.VirtualHop)
	}
	return nil
}
