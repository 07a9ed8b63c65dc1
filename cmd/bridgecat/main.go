package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"quicbridge/internal/logx"
	"quicbridge/internal/tlsutil"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "cat":
		err = cmdCat(args)
	case "ping":
		err = cmdPing(args)
	case "secret":
		err = cmdSecret(os.Stdout, args)
	case "cert":
		err = cmdCert(os.Stdout, args)
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridgecat %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `quicbridge client tools

Usage: bridgecat <command> [options]

Commands:
  cat     Open one stream through the bridge and pipe stdin/stdout over it
  ping    Measure session handshake and stream round trip to the backend
  secret  Generate a random key for transport.kcp.key
  cert    Write a self-signed certificate pair for testing

Examples:
  bridgecat cat -addr 203.0.113.7:5100 -ca certs/wild.cer < request.bin
  bridgecat cat -addr 203.0.113.7:5100 -transport kcp -key "$KCP_KEY"
  bridgecat ping -addr 127.0.0.1:5100 -insecure -count 5
  bridgecat secret 48
  bridgecat cert -dir certs -hosts localhost,127.0.0.1`)
}

func cmdCat(args []string) error {
	fs := flag.NewFlagSet("cat", flag.ContinueOnError)
	opts := registerDialFlags(fs)
	logLevel := fs.String("log-level", "warn", "Log level written to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}
	log, err := logx.New(logx.Options{Level: *logLevel, Format: "text"})
	if err != nil {
		return err
	}
	log.SetOutput(os.Stderr)

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := opts.dial(ctx)
	if err != nil {
		return err
	}
	defer sess.CloseWithError(0, "")

	strm, err := sess.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	log.WithFields(logrus.Fields{
		"session": sess.ID(),
		"stream":  strm.ID(),
		"remote":  sess.RemoteAddr().String(),
	}).Info("stream open")

	stop := context.AfterFunc(ctx, func() { _ = strm.Close() })
	defer stop()

	// stdin may stay open after the backend is done, so only the
	// downstream direction decides when cat exits.
	var sent atomic.Int64
	go func() {
		n, _ := io.Copy(strm, os.Stdin)
		sent.Store(n)
		_ = strm.CloseWrite()
	}()
	received, err := io.Copy(os.Stdout, strm)
	log.WithFields(logrus.Fields{"sent": sent.Load(), "received": received}).Info("stream finished")
	if err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

func cmdPing(args []string) error {
	fs := flag.NewFlagSet("ping", flag.ContinueOnError)
	opts := registerDialFlags(fs)
	count := fs.Int("count", 3, "Number of streams to open")
	payload := fs.String("payload", "ping\n", "Bytes written on every stream")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *count < 1 {
		return fmt.Errorf("count must be positive")
	}

	ctx, cancel := signalContext()
	defer cancel()

	start := time.Now()
	sess, err := opts.dial(ctx)
	if err != nil {
		return err
	}
	defer sess.CloseWithError(0, "")
	fmt.Printf("session to %s established in %v\n", sess.RemoteAddr(), time.Since(start).Round(time.Microsecond))

	for i := 0; i < *count; i++ {
		start = time.Now()
		strm, err := sess.OpenStream(ctx)
		if err != nil {
			return fmt.Errorf("open stream: %w", err)
		}
		if _, err := io.WriteString(strm, *payload); err != nil {
			strm.Close()
			return fmt.Errorf("write: %w", err)
		}
		_ = strm.CloseWrite()
		n, err := io.Copy(io.Discard, strm)
		elapsed := time.Since(start).Round(time.Microsecond)
		if err != nil {
			fmt.Printf("stream %d: failed after %v: %v\n", strm.ID(), elapsed, err)
			continue
		}
		if n == 0 {
			fmt.Printf("stream %d: closed without reply after %v (backend unreachable?)\n", strm.ID(), elapsed)
			continue
		}
		fmt.Printf("stream %d: %d bytes back in %v\n", strm.ID(), n, elapsed)
	}
	return nil
}

func cmdSecret(w io.Writer, args []string) error {
	length := 32
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid length: %s", args[0])
		}
		length = n
	}
	if length < 1 || length > 1024 {
		return fmt.Errorf("length must be between 1 and 1024")
	}

	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generate random bytes: %w", err)
	}
	fmt.Fprintf(w, "Base64: %s\n", base64.StdEncoding.EncodeToString(buf))
	fmt.Fprintf(w, "Hex:    %s\n", hex.EncodeToString(buf))
	return nil
}

func cmdCert(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("cert", flag.ContinueOnError)
	dir := fs.String("dir", "certs", "Output directory")
	hosts := fs.String("hosts", "localhost,127.0.0.1", "Comma separated DNS names and IPs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	names := splitComma(*hosts)
	certPEM, keyPEM, err := tlsutil.SelfSigned(names...)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(*dir, 0o755); err != nil {
		return err
	}
	certFile := filepath.Join(*dir, "wild.cer")
	keyFile := filepath.Join(*dir, "wild.key")
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "wrote %s and %s for %s\n", certFile, keyFile, strings.Join(names, ", "))
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
