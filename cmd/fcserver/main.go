// Command fcserver runs the USB↔OPC pixel bridge: it loads a JSON
// configuration document, opens the Linux USB transport, listens for
// OPC connections, and runs the server core's single event loop until
// terminated. Grounded on the teacher's cmd/hid-monitor entry point
// for the HAL wiring and signal shape, and on the kong CLI structure
// of Alia5-VIIPER/viiper/internal/config for flag parsing.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/ferrouswheel/fadecandy/internal/config"
	"github.com/ferrouswheel/fadecandy/internal/core"
	"github.com/ferrouswheel/fadecandy/internal/device"
	_ "github.com/ferrouswheel/fadecandy/internal/device/dmx"
	_ "github.com/ferrouswheel/fadecandy/internal/device/fc"
	"github.com/ferrouswheel/fadecandy/internal/opc"
	"github.com/ferrouswheel/fadecandy/internal/pkg"
	"github.com/ferrouswheel/fadecandy/internal/pkg/prof"
	usblinux "github.com/ferrouswheel/fadecandy/internal/usb/linux"
)

// cli is the root Kong command structure.
type cli struct {
	Config  string `help:"Path to the JSON configuration document." default:"fcserver.json" short:"c"`
	Listen  string `help:"Override the configured listen address (host:port)."`
	Verbose bool   `help:"Enable debug logging, overriding the configured value." short:"v"`
	JSON    bool   `help:"Emit logs as JSON instead of text."`
	Profile string `help:"Write a CPU profile to this path for the process lifetime (requires building with -tags profile)."`
}

func main() {
	var c cli
	kong.Parse(&c,
		kong.Name("fcserver"),
		kong.Description("USB Fadecandy/DMX bridge for the Open Pixel Control protocol."),
		kong.UsageOnError(),
	)

	if c.JSON {
		pkg.SetJSON(true)
	}

	os.Exit(run(c))
}

func run(c cli) int {
	if c.Profile != "" {
		if err := prof.StartCPU(c.Profile); err != nil {
			pkg.Errorf(pkg.ComponentCore, "start cpu profile: %v", err)
			return 1
		}
		defer prof.StopCPU()
	}

	raw, err := os.ReadFile(c.Config)
	if err != nil {
		pkg.Errorf(pkg.ComponentCore, "read config: %v", err)
		return 1
	}

	doc, err := config.Decode(raw)
	if err != nil {
		pkg.Errorf(pkg.ComponentCore, "decode config: %v", err)
		return 1
	}

	listenAddr, verbose, bindings, err := config.Compile(doc)
	if err != nil {
		pkg.Errorf(pkg.ComponentCore, "compile config: %v", err)
		return 1
	}
	if c.Listen != "" {
		listenAddr = c.Listen
	}
	if c.Verbose {
		verbose = true
	}
	pkg.SetVerbose(verbose)

	tr, err := usblinux.New()
	if err != nil {
		pkg.Errorf(pkg.ComponentCore, "open usb transport: %v", err)
		return 1
	}
	defer tr.Shutdown()

	listener, err := opc.Listen(listenAddr)
	if err != nil {
		pkg.Errorf(pkg.ComponentCore, "listen %s: %v", listenAddr, err)
		return 1
	}
	defer listener.Close()

	srv := core.New(tr, listener, bindings, verbose)
	pkg.Infof(pkg.ComponentCore, "listening on %s", listener.Addr())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)
	go watchReload(ctx, reload, c.Config, srv)

	if err := srv.Run(ctx); err != nil {
		pkg.Errorf(pkg.ComponentCore, "run: %v", err)
		return 1
	}
	return 0
}

// watchReload re-reads and re-compiles the configuration file on every
// SIGHUP and hands the result to the event loop via RequestReload, per
// SPEC_FULL.md 4.5's externally-triggered reload entry point --
// RequestReload rather than ReloadConfig directly, since this runs on
// its own goroutine and ReloadConfig itself is only safe to call from
// Run's. SIGHUP is kept distinct from the SIGINT/SIGTERM context
// cancellation above so a reload never unwinds the event loop.
func watchReload(ctx context.Context, reload <-chan os.Signal, path string, srv *core.Server) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-reload:
			bindings, err := reloadBindings(path)
			if err != nil {
				pkg.Warnf(pkg.ComponentCore, "reload: %v", err)
				continue
			}
			srv.RequestReload(bindings)
			pkg.Infof(pkg.ComponentCore, "reloaded config from %s", path)
		}
	}
}

func reloadBindings(path string) ([]device.Binding, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	doc, err := config.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	_, _, bindings, err := config.Compile(doc)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	return bindings, nil
}
