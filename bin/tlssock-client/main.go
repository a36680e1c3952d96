package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"github.com/bifurcation/tlssock"
)

var (
	addr     = kingpin.Flag("addr", "Server address to connect to").Default("localhost:4430").String()
	hostname = kingpin.Flag("hostname", "Server name for SNI and verification (defaults to the address host)").String()
	cafile   = kingpin.Flag("cafile", "PEM file with trusted roots").String()
	capath   = kingpin.Flag("capath", "Directory of PEM files with trusted roots").String()
	insecure = kingpin.Flag("insecure", "Skip peer certificate verification").Short('k').Bool()
	alpn     = kingpin.Flag("alpn", "Next-protocol preference list").Strings()
	ciphers  = kingpin.Flag("ciphers", "Cipher spec string").String()
	timeout  = kingpin.Flag("timeout", "I/O timeout; 0 means blocking").Default("10s").Duration()
	doGet    = kingpin.Flag("get", "Issue an HTTP GET for / after the handshake").Bool()
)

func main() {
	kingpin.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "err:", err)
		os.Exit(1)
	}
}

func run() error {
	name := *hostname
	if name == "" {
		host, _, err := net.SplitHostPort(*addr)
		if err != nil {
			return err
		}
		name = host
	}

	ctx, err := tlssock.NewContext(tlssock.ProtocolSSLv23)
	if err != nil {
		return err
	}
	if *insecure {
		if err := ctx.SetVerifyMode(tlssock.VerifyNone); err != nil {
			return err
		}
	} else {
		if err := ctx.SetVerifyMode(tlssock.VerifyRequired); err != nil {
			return err
		}
		if *cafile != "" || *capath != "" {
			err = ctx.LoadVerifyLocations(*cafile, *capath)
		} else {
			err = ctx.SetDefaultVerifyPaths()
		}
		if err != nil {
			return err
		}
	}
	if len(*alpn) > 0 {
		if err := ctx.SetNextProtos(*alpn); err != nil {
			return err
		}
	}
	if *ciphers != "" {
		if err := ctx.SetCiphers(*ciphers); err != nil {
			return err
		}
	}

	sock, err := tlssock.Dial("tcp", *addr, *timeout)
	if err != nil {
		return err
	}
	defer sock.Close()
	if *timeout > 0 {
		sock.SetTimeout(*timeout)
	}

	ch, err := ctx.WrapSocket(sock, false, name)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Handshake(context.Background()); err != nil {
		return err
	}
	report(ch)

	if *doGet {
		// The HTTP transport owns the connection from here; closing it
		// performs the TLS shutdown.
		return get(ch, name)
	}

	_, err = ch.Shutdown(context.Background())
	return err
}

func report(ch *tlssock.Channel) {
	fmt.Println("version:    ", ch.Version())
	if info, ok := ch.Cipher(); ok {
		fmt.Printf("cipher:      %s (%d bits)\n", info.Name, info.Bits)
	}
	if proto := ch.NextProto(); proto != "" {
		fmt.Println("alpn:       ", proto)
	}
	if cb, err := ch.ChannelBinding("tls-unique"); err == nil && cb != nil {
		fmt.Printf("tls-unique:  %x\n", cb)
	}
	cert, err := ch.PeerCertificate()
	if err != nil || cert == nil {
		return
	}
	if cert.SerialNumber == "" {
		fmt.Println("peer:        presented a certificate (not verified)")
		return
	}
	fmt.Println("subject:    ", cert.Subject)
	fmt.Println("issuer:     ", cert.Issuer)
	fmt.Println("not after:  ", cert.NotAfter)
	for _, san := range cert.SubjectAltNames {
		fmt.Printf("san:         %s:%s\n", san.Type, san.Value)
	}
}

// get rides the standard HTTP client on the established channel.
func get(ch *tlssock.Channel, host string) error {
	conn := ch.NetConn()
	tr := &http.Transport{
		DialTLS: func(network, addr string) (net.Conn, error) {
			return conn, nil
		},
		DisableCompression: true,
	}
	client := &http.Client{Transport: tr}

	response, err := client.Get("https://" + host + "/")
	if err != nil {
		return err
	}
	fmt.Println(strings.Repeat("=", 4), "RESPONSE", strings.Repeat("=", 4))
	return response.Write(os.Stdout)
}
