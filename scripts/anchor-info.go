// anchor-info.go
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jnovack/tls-proxy/pkg/ca"
)

var (
	pemPath  = flag.String("pem", "./root.pem", "combined anchor pem (cert+key)")
	mintHost = flag.String("mint", "", "optionally mint a throwaway leaf for this hostname and print it")
)

func main() {
	flag.Parse()

	data, err := os.ReadFile(*pemPath)
	if err != nil {
		log.Fatalf("read %s: %v", *pemPath, err)
	}
	anchor, err := ca.LoadCombined(data)
	if err != nil {
		log.Fatalf("load anchor: %v", err)
	}

	cert := anchor.Cert
	fmt.Printf("Subject:    %s\n", cert.Subject)
	fmt.Printf("Serial:     %s\n", cert.SerialNumber)
	fmt.Printf("Not before: %s\n", cert.NotBefore.Format(time.RFC3339))
	fmt.Printf("Not after:  %s (%s remaining)\n", cert.NotAfter.Format(time.RFC3339), time.Until(cert.NotAfter).Round(time.Hour))
	fmt.Printf("Is CA:      %v\n", cert.IsCA)

	if *mintHost != "" {
		leaf, err := ca.NewIssuer(anchor, 24*time.Hour).Issue(*mintHost)
		if err != nil {
			log.Fatalf("mint leaf for %s: %v", *mintHost, err)
		}
		fmt.Printf("\nMinted leaf for %s:\n", leaf.Hostname)
		fmt.Printf("  Serial:    %s\n", leaf.Certificate.Leaf.SerialNumber)
		fmt.Printf("  Not after: %s\n", leaf.NotAfter.Format(time.RFC3339))
		fmt.Printf("  DNS SANs:  %v\n", leaf.Certificate.Leaf.DNSNames)
	}
}
