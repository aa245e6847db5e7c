// Command uhdprobe lists reachable units, opens one and prints a few
// received blocks.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"

	"github.com/rjboer/gouhd/driver"
	"github.com/rjboer/gouhd/driver/iiod"
	"github.com/rjboer/gouhd/driver/sim"
	"github.com/rjboer/gouhd/internal/logging"
	"github.com/rjboer/gouhd/internal/mdns"
	"github.com/rjboer/gouhd/uhd"
)

const rule = "==============================================================="

var (
	heading = color.New(color.FgCyan, color.Bold)
	good    = color.New(color.FgGreen)
	bad     = color.New(color.FgRed)
)

// newDriver and discover are replaced in tests.
var (
	newDriver = func(name string) (driver.Driver, error) {
		switch name {
		case "sim":
			return sim.New(sim.Config{}), nil
		case "iiod":
			return iiod.New(iiod.Config{Logger: logging.Default()}), nil
		}
		return nil, fmt.Errorf("unknown driver %q (want sim or iiod)", name)
	}
	discover = mdns.DiscoverIIOD
)

type options struct {
	driver   string
	args     string
	channel  int
	blocks   int
	samples  int
	show     int
	browse   time.Duration
	logLevel string
}

func parseOptions(args []string, getenv func(string) string) (options, error) {
	opts := options{}
	fs := flag.NewFlagSet("uhdprobe", flag.ContinueOnError)
	fs.StringVarP(&opts.driver, "driver", "d", envOr(getenv, "UHD_DRIVER", "sim"), "Device driver (sim|iiod)")
	fs.StringVarP(&opts.args, "args", "a", getenv("UHD_ARGS"), "Device arguments, e.g. addr=192.168.2.1")
	fs.IntVarP(&opts.channel, "channel", "c", 0, "Channel to receive")
	fs.IntVarP(&opts.blocks, "blocks", "n", 10, "Blocks to receive")
	fs.IntVarP(&opts.samples, "samples", "s", 150, "Samples per block")
	fs.IntVar(&opts.show, "show", 16, "Samples printed per block")
	fs.DurationVar(&opts.browse, "browse", 0, "Browse mDNS for iiod units for this long before probing")
	fs.StringVar(&opts.logLevel, "log-level", envOr(getenv, "UHD_LOG_LEVEL", "warn"), "Log level (debug|info|warn|error)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.blocks <= 0 || opts.samples <= 0 {
		return options{}, errors.New("blocks and samples must be positive")
	}
	return opts, nil
}

func envOr(getenv func(string) string, key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Getenv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		bad.Fprintf(os.Stderr, "uhdprobe: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer, getenv func(string) string) error {
	opts, err := parseOptions(args, getenv)
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	logging.SetDefault(logging.New(level, logging.Text, os.Stderr))

	if opts.browse > 0 {
		if err := printHosts(out, opts.browse); err != nil {
			return err
		}
	}

	drv, err := newDriver(opts.driver)
	if err != nil {
		return err
	}

	found, err := uhd.Find(drv, opts.args)
	if err != nil {
		return fmt.Errorf("find: %w", err)
	}
	heading.Fprintf(out, "%s\n Devices matching %q\n%s\n", rule, opts.args, rule)
	if len(found) == 0 {
		bad.Fprintln(out, " <none>")
	}
	for i, f := range found {
		fmt.Fprintf(out, " #%d %s\n", i+1, f)
	}

	dev, err := uhd.Open(drv, opts.args, uhd.WithLogger(logging.Default()))
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer dev.Close()

	rxChannels, err := dev.NumRxChannels()
	if err != nil {
		return err
	}
	txChannels, err := dev.NumTxChannels()
	if err != nil {
		return err
	}

	rx, err := uhd.NewReceiveStreamer[complex64](dev, uhd.StreamArgs{Channels: []int{opts.channel}})
	if err != nil {
		return fmt.Errorf("rx streamer: %w", err)
	}
	defer rx.Close()

	maxSamps, err := rx.MaxSamplesPerPacket()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, " RX channels       : %d\n TX channels       : %d\n Samples per packet: %d\n%s\n",
		rxChannels, txChannels, maxSamps, rule)

	if err := rx.SendCommand(uhd.StartContinuous()); err != nil {
		return fmt.Errorf("start stream: %w", err)
	}
	defer func() {
		_ = rx.SendCommand(uhd.StopContinuous())
	}()

	buf := make([]complex64, opts.samples)
	for b := 0; b < opts.blocks; b++ {
		md, err := rx.ReceiveSimple(buf)
		if err != nil {
			bad.Fprintf(out, " block %d: %v\n", b, err)
			continue
		}
		good.Fprintf(out, " block %d: %d samples", b, md.Samples())
		if ts, ok := md.TimeSpec(); ok {
			fmt.Fprintf(out, " at %s", ts)
		}
		fmt.Fprintln(out)
		for i := 0; i < min(opts.show, md.Samples()); i++ {
			fmt.Fprintf(out, "   %3d % .4f % .4fj\n", i, real(buf[i]), imag(buf[i]))
		}
	}
	return nil
}

func printHosts(out io.Writer, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	hosts, err := discover(ctx)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	heading.Fprintf(out, "%s\n mDNS _iio._tcp: %d unit(s) in %s\n%s\n",
		rule, len(hosts), time.Since(start).Truncate(time.Millisecond), rule)
	for i, h := range hosts {
		fmt.Fprintf(out, " #%d %s (%s)\n    addr=%s\n", i+1, h.Instance, h.Hostname, h.Addr())
		for _, txt := range h.TXT {
			fmt.Fprintf(out, "    txt: %s\n", txt)
		}
	}
	return nil
}
