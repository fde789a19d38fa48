package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/lyc8503/holechat/config"
	"github.com/lyc8503/holechat/internal/logging"
	"github.com/lyc8503/holechat/internal/udputil"
	"github.com/lyc8503/holechat/internal/version"
	"github.com/lyc8503/holechat/sidechannel"
	"github.com/lyc8503/holechat/stun"
	"github.com/lyc8503/holechat/traversal"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// exitUsage is sysexits(3) EX_DATAERR.
const exitUsage = 65

var (
	configPath = flag.String("config", "", "YAML config file")
	logLevel   = flag.String("loglevel", "info", "log level [trace, debug, info, warn]")
	debugFlag  = flag.Bool("d", false, "enable debug logging, same as -loglevel debug")
	stunHost   = flag.String("H", "", "STUN host to use; empty tries the configured list in order")
	stunPort   = flag.Int("P", stun.DefaultPort, "STUN port")
	sourceIP   = flag.String("i", "0.0.0.0", "source IP to bind")
	sourcePort = flag.Int("p", 54320, "source port to bind")
	dialect    = flag.String("dialect", "line", "chat dialect [line, echo]")
)

type options struct {
	server   *net.UDPAddr
	channel  string
	override *stun.NATType
	cfg      *config.Config
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <host> <port> <channel> [nat_type_id]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	fmt.Println(version.String("nathole"))

	flag.Usage = usage
	flag.Parse()

	opts, err := parseArgs(flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(exitUsage)
	}

	level := opts.cfg.LogLevel
	if *debugFlag {
		level = "debug"
	}
	if err := logging.Setup(level); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, opts)
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
	fmt.Println("exit")
}

// parseArgs loads the config file and lets explicitly set flags win over it.
func parseArgs(args []string) (*options, error) {
	if len(args) < 3 || len(args) > 4 {
		return nil, errors.New("expected <host> <port> <channel> [nat_type_id]")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "loglevel":
			cfg.LogLevel = *logLevel
		case "H":
			cfg.Client.STUN.Servers = []string{*stunHost}
		case "P":
			cfg.Client.STUN.Port = *stunPort
		case "i", "p":
			cfg.Client.Source = net.JoinHostPort(*sourceIP, strconv.Itoa(*sourcePort))
		case "dialect":
			cfg.Client.Dialect = *dialect
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	port, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid server port %q", args[1])
	}
	server, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(args[0], strconv.FormatUint(port, 10)))
	if err != nil {
		return nil, fmt.Errorf("resolve server: %w", err)
	}

	channel := strings.TrimSpace(args[2])
	if err := sidechannel.ValidChannel(channel); err != nil {
		return nil, err
	}

	opts := &options{server: server, channel: channel, cfg: cfg}
	if len(args) == 4 {
		id, err := strconv.ParseUint(args[3], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid nat_type_id %q", args[3])
		}
		t, err := stun.NATTypeFromWireID(uint16(id))
		if err != nil {
			return nil, err
		}
		opts.override = &t
	}
	return opts, nil
}

func run(ctx context.Context, opts *options) (err error) {
	cfg := opts.cfg.Client

	conn, err := udputil.ListenUDP4(cfg.Source)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, ignoreClosed(conn.Close()))
	}()

	nat, err := detectNAT(ctx, conn, opts)
	if err != nil {
		return err
	}
	own := nat.Advertised()
	if own != nat {
		log.Warnf("%s has no rendezvous class, advertising %s", nat, own)
	}

	client := &sidechannel.Client{
		Conn:    conn,
		Server:  opts.server,
		Timeout: cfg.HandshakeTimeout,
	}
	peer, err := client.Register(ctx, opts.channel, own)
	if err != nil {
		return fmt.Errorf("unable to request: %w", err)
	}

	d, err := traversal.DialectByName(cfg.Dialect)
	if err != nil {
		return err
	}
	session, err := traversal.NewSession(traversal.Config{
		Conn:          conn,
		Server:        opts.server,
		Peer:          peer.Addr,
		Own:           own,
		PeerType:      peer.NATType,
		Dialect:       d,
		PunchInterval: cfg.PunchInterval,
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s chat mode, type a line and press enter to send\n", session.Mode())

	return chat(ctx, session, peer, os.Stdin, os.Stdout)
}

func detectNAT(ctx context.Context, conn net.PacketConn, opts *options) (stun.NATType, error) {
	if opts.override != nil {
		log.Infof("Skipping NAT detection, using %s", *opts.override)
		return *opts.override, nil
	}

	cfg := opts.cfg.Client
	host, _, _ := net.SplitHostPort(cfg.Source)
	classifier := &stun.Classifier{
		Conn:     conn,
		LocalIP:  net.ParseIP(host),
		Port:     cfg.STUN.Port,
		Servers:  cfg.STUN.Servers,
		Timeout:  cfg.STUN.Timeout,
		Attempts: cfg.STUN.Attempts,
	}

	log.Info("=> Testing NAT Type for local network...")
	res, err := classifier.Classify(ctx)
	switch {
	case errors.Is(err, stun.ErrChangedAddressUnreachable):
		log.Warn(err)
	case err != nil:
		return stun.Unknown, fmt.Errorf("NAT detection failed: %w", err)
	}
	if res.NATType == stun.Blocked {
		return stun.Blocked, errors.New("UDP is blocked, no STUN server answered")
	}

	fmt.Println("NAT Type:", res.NATType)
	fmt.Println("External IP:", res.ExternalIP)
	fmt.Println("External Port:", res.ExternalPort)
	return res.NATType, nil
}

// chat pumps lines from in to the peer and the peer's payloads to out until
// ctx is done. End of input stops sending but keeps receiving.
func chat(ctx context.Context, session *traversal.Session, peer *sidechannel.Peer, in io.Reader, out io.Writer) error {
	g, ctx := errgroup.WithContext(ctx)
	outbound := make(chan []byte)
	inbound := make(chan []byte, 16)

	// Not part of the group: a blocked stdin read cannot be interrupted.
	go func() {
		defer close(outbound)
		r := bufio.NewReader(in)
		for {
			line, err := r.ReadBytes('\n')
			if len(line) > 0 {
				select {
				case outbound <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.WithError(err).Warn("read input failed")
				}
				return
			}
		}
	}()

	g.Go(func() error { return session.Run(ctx, outbound, inbound) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg := <-inbound:
				text := string(msg)
				if !strings.HasSuffix(text, "\n") {
					text += "\n"
				}
				fmt.Fprintf(out, "%v> %s", peer.Addr, text)
			}
		}
	})
	return g.Wait()
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
