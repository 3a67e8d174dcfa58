// btterm is a serial terminal for Bluetooth SPP devices (Linux, BlueZ).
//
// Prerequisites
// - Linux with BlueZ (bluetoothd) running and system D-Bus access.
// - Adapter powered on: `bluetoothctl power on`.
// - Most environments require sudo for RegisterProfile.
//
// Modes
// 1) List SPP devices:
//     btterm -mode=scan -timeout=15s
//
// 2) Connect to a device (client):
//     btterm -mode=connect -device 00:11:22:33:44:55
//   Without -device the scan result is listed and an index is prompted.
//
// 3) Wait for one incoming connection (server):
//     btterm -mode=listen -name MyChatService -timeout=120s
//
// Configuration is read from -config (YAML), then BTTERM_* environment
// variables, then flags.
//
// While connected, typed lines are sent with the configured newline.
// Commands:
//   /detach            stop showing received data (it is kept)
//   /attach            show everything received while detached
//   /hex               toggle hex mode
//   /newline <mode>    crlf, cr, lf or none
//   /disconnect        drop the connection
//   /quit              exit (also Ctrl-D, Ctrl-C)
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bluetooth-chat/internal/config"
	"bluetooth-chat/internal/connmgr"
	"bluetooth-chat/internal/dispatch"
	"bluetooth-chat/internal/logging"
	"bluetooth-chat/internal/relay"
	"bluetooth-chat/internal/rfcomm"
	"bluetooth-chat/internal/terminal"
)

var errQuit = errors.New("quit")

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "btterm:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML config file")
	mode := flag.String("mode", "connect", "mode: scan|connect|listen")
	device := flag.String("device", "", "device object path or MAC (connect mode); scan and prompt if empty")
	name := flag.String("name", "", "SPP service name (listen mode)")
	timeout := flag.Duration("timeout", 0, "connect/accept timeout; scan duration in scan mode")
	hex := flag.Bool("hex", false, "show and send hex")
	newline := flag.String("newline", "", "newline: crlf|cr|lf|none")
	logLevel := flag.String("log-level", "", "log level: debug|info|warn|error")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device":
			cfg.Device = *device
		case "name":
			cfg.ServiceName = *name
		case "timeout":
			cfg.ConnectTimeout = *timeout
			cfg.ScanTimeout = *timeout
		case "hex":
			cfg.Terminal.Hex = *hex
		case "newline":
			cfg.Terminal.Newline = *newline
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logging.New(os.Stderr, cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	m, err := connmgr.New(connmgr.Options{ServiceUUID: cfg.ServiceUUID, Logger: log})
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn("close connection manager", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	input := readLines(os.Stdin)

	switch strings.ToLower(*mode) {
	case "scan":
		devs, err := scan(ctx, m, cfg.ScanTimeout)
		if err != nil {
			return err
		}
		printDevices(devs)
		return nil
	case "connect", "listen":
		return session(ctx, m, cfg, strings.ToLower(*mode), input, log)
	default:
		return fmt.Errorf("unknown mode: %s", *mode)
	}
}

// readLines feeds stdin lines to the returned channel and closes it on EOF.
// The reader goroutine cannot be interrupted and is left to exit with the
// process.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

func scan(ctx context.Context, m connmgr.Mgr, d time.Duration) ([]connmgr.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	fmt.Printf("scanning for SPP devices (%s)...\n", d)
	devs, err := m.ScanSPP(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return devs, nil
}

func printDevices(devs []connmgr.Device) {
	if len(devs) == 0 {
		fmt.Println("no SPP devices found")
		return
	}
	for i, d := range devs {
		fmt.Printf("[%d] Path=%s MAC=%s Name=%s Alias=%s\n", i, d.Path, d.MAC, d.Name, d.Alias)
	}
}

func chooseDevice(ctx context.Context, m connmgr.Mgr, cfg *config.Config, input <-chan string) (connmgr.Device, error) {
	if cfg.Device != "" {
		return connmgr.ParseDevice(cfg.Adapter, cfg.Device)
	}
	devs, err := scan(ctx, m, cfg.ScanTimeout)
	if err != nil {
		return connmgr.Device{}, err
	}
	printDevices(devs)
	if len(devs) == 0 {
		return connmgr.Device{}, errors.New("nothing to connect to")
	}
	fmt.Print("choose index: ")
	for {
		select {
		case <-ctx.Done():
			return connmgr.Device{}, ctx.Err()
		case line, ok := <-input:
			if !ok {
				return connmgr.Device{}, io.EOF
			}
			i, err := strconv.Atoi(strings.TrimSpace(line))
			if err == nil && i >= 0 && i < len(devs) {
				return devs[i], nil
			}
			fmt.Printf("enter 0..%d: ", len(devs)-1)
		}
	}
}

// session runs one terminal connection until /quit, EOF or a signal.
func session(ctx context.Context, m connmgr.Mgr, cfg *config.Config, mode string, input <-chan string, log *zap.Logger) error {
	var (
		label string
		dial  rfcomm.DialFunc
	)
	switch mode {
	case "connect":
		dev, err := chooseDevice(ctx, m, cfg, input)
		if err != nil {
			return err
		}
		label = dev.DisplayName()
		dial = func(ctx context.Context) (int, error) { return m.Connect(ctx, dev) }
	case "listen":
		if err := m.StartServer(ctx, connmgr.ServerOptions{ServiceName: cfg.ServiceName}); err != nil {
			return err
		}
		fmt.Printf("SPP server registered: Name=%s Channel=%d\n", cfg.ServiceName, connmgr.DefaultRFCOMMChannel)
		label = cfg.ServiceName
		dial = func(ctx context.Context) (int, error) {
			fd, peer, err := m.Accept(ctx)
			if err == nil {
				log.Info("accepted", zap.String("peer", peer.DisplayName()), zap.String("path", peer.Path))
			}
			return fd, err
		}
	}

	newline, err := terminal.ParseNewline(cfg.Terminal.Newline)
	if err != nil {
		return err
	}

	loop := dispatch.New(log)
	rel := relay.New(loop, relay.WithLogger(log), relay.WithNotifier(logNotifier{log: log.Named("notice")}))
	defer rel.Shutdown()
	term := terminal.New(os.Stdout, rel,
		terminal.WithHex(cfg.Terminal.Hex),
		terminal.WithNewline(newline),
		terminal.WithLogger(log),
	)
	tr := rfcomm.New(label, dial, rfcomm.WithConnectTimeout(cfg.ConnectTimeout), rfcomm.WithLogger(log))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(ctx) })

	loop.Post(func() {
		rel.Attach(term)
		term.Connecting()
		if err := rel.Connect(tr); err != nil {
			log.Debug("connect", zap.Error(err))
		}
	})

	cmds := &commands{rel: rel, term: term, attached: true}
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-input:
				if !ok {
					return errQuit
				}
				var quit bool
				if err := loop.Call(ctx, func() { quit = cmds.handle(line) }); err != nil {
					return nil
				}
				if quit {
					return errQuit
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// commands interprets input lines. It runs on the dispatch loop.
type commands struct {
	rel      *relay.Relay
	term     *terminal.Terminal
	attached bool
}

func (c *commands) handle(line string) (quit bool) {
	if !strings.HasPrefix(line, "/") {
		if !c.attached {
			fmt.Fprintln(os.Stderr, "detached, /attach first")
			return false
		}
		_ = c.term.Send(line)
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true
	case "/detach":
		if c.attached {
			c.rel.Detach()
			c.attached = false
		}
	case "/attach":
		if !c.attached {
			c.rel.Attach(c.term)
			c.attached = true
		}
	case "/hex":
		c.term.SetHex(!c.term.Hex())
		c.term.Status("hex mode " + onOff(c.term.Hex()))
	case "/newline":
		if len(fields) != 2 {
			c.term.Status("newline is " + c.term.Newline().String())
			break
		}
		n, err := terminal.ParseNewline(fields[1])
		if err != nil {
			c.term.Status(err.Error())
			break
		}
		c.term.SetNewline(n)
		c.term.Status("newline " + n.String())
	case "/disconnect":
		c.term.Disconnect()
	default:
		c.term.Status("unknown command " + fields[0])
	}
	return false
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// logNotifier reports the background connection in the log.
type logNotifier struct {
	log *zap.Logger
}

func (n logNotifier) ShowBackground(name string) {
	n.log.Info("connection running in background, /attach to resume", zap.String("device", name))
}

func (n logNotifier) CancelBackground() {
	n.log.Debug("background notice cleared")
}
