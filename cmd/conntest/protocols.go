package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nao1215/conntest/internal/probe"
)

// protocolInfo is the JSON form of one protocol.
type protocolInfo struct {
	Name            string `json:"name"`
	Port            int    `json:"port"`
	DefaultUsername string `json:"default_username,omitempty"`
	Domain          bool   `json:"domain"`
	TLS             bool   `json:"tls"`
	Description     string `json:"description"`
}

// NewProtocolsCmd creates the protocols command.
func NewProtocolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "protocols",
		Short: "List supported protocols",
		Long:  `List the supported protocols with their default port and user.`,
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			asJSON, err := cmd.Flags().GetBool("json")
			if err != nil {
				return err
			}
			return listProtocols(cmd, probe.NewRegistry().List(), asJSON)
		},
	}
}

func listProtocols(cmd *cobra.Command, probes []probe.Probe, asJSON bool) error {
	out := cmd.OutOrStdout()

	if asJSON {
		enc := json.NewEncoder(out)
		for _, p := range probes {
			if err := enc.Encode(protocolInfo{
				Name:            p.Name(),
				Port:            p.DefaultPort(),
				DefaultUsername: p.Defaults().Username,
				Domain:          p.Fields().Domain,
				TLS:             p.Fields().TLS,
				Description:     p.Description(),
			}); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROTOCOL\tPORT\tDEFAULT USER\tDESCRIPTION")
	for _, p := range probes {
		user := p.Defaults().Username
		if user == "" {
			user = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", p.Name(), p.DefaultPort(), user, p.Description())
	}
	return tw.Flush()
}
