package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/bifurcation/tlssock/certdec"
	"github.com/fatih/color"
)

var asJSON bool

func main() {
	flag.BoolVar(&asJSON, "json", false, "emit the decoded certificate as JSON")
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "usage: %s [-json] cert.pem [cert.pem ...]\n", os.Args[0])
		os.Exit(2)
	}

	exit := 0
	for _, path := range flag.Args() {
		cert, err := certdec.DecodeFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			exit = 1
			continue
		}
		if asJSON {
			dumpJSON(cert)
		} else {
			dump(path, cert)
		}
	}
	os.Exit(exit)
}

func dumpJSON(cert *certdec.Certificate) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(struct {
		Version         int                   `json:"version"`
		SerialNumber    string                `json:"serialNumber"`
		Subject         certdec.RDNSequence   `json:"subject"`
		Issuer          certdec.RDNSequence   `json:"issuer"`
		NotBefore       string                `json:"notBefore"`
		NotAfter        string                `json:"notAfter"`
		SubjectAltNames []certdec.GeneralName `json:"subjectAltName,omitempty"`
	}{
		Version:         cert.Version,
		SerialNumber:    cert.SerialNumber,
		Subject:         cert.Subject,
		Issuer:          cert.Issuer,
		NotBefore:       cert.NotBefore,
		NotAfter:        cert.NotAfter,
		SubjectAltNames: cert.SubjectAltNames,
	})
}

var (
	heading = color.New(color.Bold)
	field   = color.New(color.FgCyan)
	warning = color.New(color.FgYellow)
)

func dump(path string, cert *certdec.Certificate) {
	heading.Println(path)
	field.Print("  version:       ")
	fmt.Println(cert.Version)
	field.Print("  serial:        ")
	fmt.Println(cert.SerialNumber)
	field.Print("  subject:       ")
	fmt.Println(cert.Subject)
	field.Print("  issuer:        ")
	fmt.Println(cert.Issuer)
	field.Print("  not before:    ")
	fmt.Println(cert.NotBefore)
	field.Print("  not after:     ")
	fmt.Println(cert.NotAfter)

	switch {
	case cert.SubjectAltNames == nil:
		warning.Println("  no subjectAltName extension")
	case len(cert.SubjectAltNames) == 0:
		warning.Println("  empty subjectAltName extension")
	default:
		for _, san := range cert.SubjectAltNames {
			field.Printf("  san:           ")
			if san.DirName != nil {
				fmt.Printf("%s:%s\n", san.Type, san.DirName)
			} else {
				fmt.Printf("%s:%s\n", san.Type, san.Value)
			}
		}
	}
}
