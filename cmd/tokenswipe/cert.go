package main

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	tlsx "github.com/polisai/tokenswipe/internal/tls"
)

func newCertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate a self-signed development certificate",
		Args:  cobra.NoArgs,
		RunE:  runCert,
	}
	cmd.Flags().String("cert", "server.crt", "Certificate output path")
	cmd.Flags().String("key", "server.key", "Private key output path")
	cmd.Flags().StringSlice("host", []string{"localhost", "127.0.0.1"}, "DNS names or IP addresses to include")
	cmd.Flags().Duration("valid-for", 365*24*time.Hour, "Certificate lifetime")
	return cmd
}

func runCert(cmd *cobra.Command, _ []string) error {
	certFile, _ := cmd.Flags().GetString("cert")
	keyFile, _ := cmd.Flags().GetString("key")
	hosts, _ := cmd.Flags().GetStringSlice("host")
	validFor, _ := cmd.Flags().GetDuration("valid-for")

	opts := tlsx.SelfSignedOptions{ValidFor: validFor}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			opts.IPAddresses = append(opts.IPAddresses, ip)
		} else {
			opts.DNSNames = append(opts.DNSNames, h)
		}
	}
	if len(opts.DNSNames) > 0 {
		opts.CommonName = opts.DNSNames[0]
	}

	certPEM, keyPEM, err := tlsx.GenerateSelfSigned(opts)
	if err != nil {
		return err
	}
	if err := tlsx.WriteFiles(certPEM, keyPEM, certFile, keyFile); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s and %s\n", certFile, keyFile)
	return err
}
