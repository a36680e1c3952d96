package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/apex/log"
	"github.com/bifurcation/tlssock"
	"github.com/google/uuid"
	"github.com/pborman/getopt/v2"
	"golang.org/x/sys/unix"
)

var startTime = time.Now()

// logHandler prints one line per entry with a run-relative timestamp.
type logHandler struct {
	io.Writer
}

func (h *logHandler) HandleLog(e *log.Entry) (err error) {
	s := fmt.Sprintf("[%14.6f] <%s> %s", time.Since(startTime).Seconds(), e.Level, e.Message)
	if len(e.Fields) > 0 {
		s += fmt.Sprintf(": %+v", e.Fields)
	}
	s += "\n"
	_, err = h.Writer.Write([]byte(s))
	return
}

var (
	port       = 4430
	certFile   string
	keyFile    string
	keyPass    string
	clientCA   string
	needClient bool
	verbose    bool
)

func init() {
	getopt.FlagLong(&port, "port", 'p', "port to listen on")
	getopt.FlagLong(&certFile, "cert", 'c', "server certificate chain, PEM")
	getopt.FlagLong(&keyFile, "key", 'k', "server private key, PEM (defaults to the cert file)")
	getopt.FlagLong(&keyPass, "pass", 0, "private key password")
	getopt.FlagLong(&clientCA, "client-ca", 0, "require client certificates signed by this PEM bundle")
	getopt.FlagLong(&needClient, "require-client-cert", 0, "reject clients without a certificate")
	getopt.FlagLong(&verbose, "verbose", 'v', "debug logging")
}

func main() {
	getopt.Parse()
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	logger := &log.Logger{Level: level, Handler: &logHandler{Writer: os.Stderr}}

	if certFile == "" {
		logger.Fatal("a server certificate is required (--cert)")
	}
	if err := serve(logger); err != nil {
		logger.Fatalf("fatal: %v", err)
	}
}

func serve(logger *log.Logger) error {
	ctx, err := tlssock.NewContext(tlssock.ProtocolSSLv23)
	if err != nil {
		return err
	}
	var passwd interface{}
	if keyPass != "" {
		passwd = keyPass
	}
	if err := ctx.LoadCertChain(certFile, keyFile, passwd); err != nil {
		return err
	}
	if clientCA != "" {
		if err := ctx.LoadVerifyLocations(clientCA, ""); err != nil {
			return err
		}
		mode := tlssock.VerifyOptional
		if needClient {
			mode = tlssock.VerifyRequired
		}
		if err := ctx.SetVerifyMode(mode); err != nil {
			return err
		}
	}
	if err := ctx.SetServernameCallback(
		func(ch *tlssock.Channel, hostname string, _ *tlssock.Context) error {
			logger.Debugf("client requested server name %q", hostname)
			return nil
		}); err != nil {
		return err
	}

	lfd, err := listen(port)
	if err != nil {
		return err
	}
	defer unix.Close(lfd)
	logger.Infof("echo server listening on :%d", port)

	for {
		fd, _, err := unix.Accept(lfd)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		go handle(ctx, tlssock.NewFDSocket(fd), logger)
	}
}

func listen(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.Bind(fd, &unix.SockaddrInet6{Port: port}); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// handle runs one echo session: handshake, echo until the peer shuts
// down, close-notify exchange.
func handle(tlsCtx *tlssock.Context, sock *tlssock.FDSocket, logger *log.Logger) {
	defer sock.Close()
	l := logger.WithField("conn", uuid.New().String())

	ch, err := tlsCtx.WrapSocket(sock, true, "")
	if err != nil {
		l.Errorf("wrap: %v", err)
		return
	}
	defer ch.Close()

	if err := ch.Handshake(context.Background()); err != nil {
		l.Errorf("handshake: %v", err)
		return
	}
	if info, ok := ch.Cipher(); ok {
		l.Infof("established %s with %s", ch.Version(), info.Name)
	}
	if der := ch.PeerCertificateDER(); der != nil {
		l.Debugf("client certificate, %d DER bytes", len(der))
	}

	buf := make([]byte, 16384)
	for {
		n, err := ch.Read(context.Background(), buf)
		if err != nil {
			l.Errorf("read: %v", err)
			return
		}
		if n == 0 {
			break
		}
		if _, err := ch.Write(context.Background(), buf[:n]); err != nil {
			l.Errorf("write: %v", err)
			return
		}
	}

	if _, err := ch.Shutdown(context.Background()); err != nil {
		l.Errorf("shutdown: %v", err)
		return
	}
	l.Info("closed cleanly")
}
