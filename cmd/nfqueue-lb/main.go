// Command nfqueue-lb is the control and data-plane CLI: create/show/
// clean/activate/deactivate the shared Maglev+modulo lookup region, and
// run the packet classification loop against an NFQUEUE.
//
// Dispatch follows the original lb.c's struct Cmd table: os.Args[1]
// selects a handler, each of which builds its own flag.FlagSet (see
// DESIGN.md for why this is stdlib flag and not a CLI framework).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/sxweetlollipop2912/nfqueue-lb/internal/control"
	"github.com/sxweetlollipop2912/nfqueue-lb/internal/healthmonitor"
	"github.com/sxweetlollipop2912/nfqueue-lb/internal/nfqueue"
	"github.com/sxweetlollipop2912/nfqueue-lb/internal/sharedstate"
	ilog "github.com/sxweetlollipop2912/nfqueue-lb/x/log"
	iviper "github.com/sxweetlollipop2912/nfqueue-lb/x/viper"
)

type cmd struct {
	usage string
	run   func(args []string) error
}

var cmds = map[string]cmd{
	"create":     {"create [-i OWN] [-o OFFSET] [M [N]]", cmdCreate},
	"show":       {"show [-json]", cmdShow},
	"clean":      {"clean", cmdClean},
	"activate":   {"activate ID [ID...]", cmdActivate},
	"deactivate": {"deactivate ID [ID...]", cmdDeactivate},
	"run":        {"run [-q QUEUE] [-p] [-m MODE]", cmdRun},
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	c, ok := cmds[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "nfqueue-lb: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err := c.run(os.Args[2:]); err != nil {
		ilog.Logger.Fatal().Err(err).Msg("command failed")
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: nfqueue-lb <command> [flags]")
	for name, c := range cmds {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", name, c.usage)
	}
}

// cmdCreate follows the original lb.c cmdCreate grammar: -i/-o flags
// plus positional [M [N]] (not flags), parsed from fs.Args() after flag
// parsing stops at the first non-flag argument.
func cmdCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	own := fs.Int("i", 0, "this load balancer's own fwmark")
	offset := fs.Int("o", 0, "fwmark offset added to backend ids")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var m, n uint64
	switch rest := fs.Args(); len(rest) {
	case 0:
	case 1:
		var err error
		if m, err = strconv.ParseUint(rest[0], 10, 32); err != nil {
			return fmt.Errorf("invalid M %q: %w", rest[0], err)
		}
	case 2:
		var err error
		if m, err = strconv.ParseUint(rest[0], 10, 32); err != nil {
			return fmt.Errorf("invalid M %q: %w", rest[0], err)
		}
		if n, err = strconv.ParseUint(rest[1], 10, 32); err != nil {
			return fmt.Errorf("invalid N %q: %w", rest[1], err)
		}
	default:
		return fmt.Errorf("create: too many positional arguments, want [M [N]]")
	}

	return control.Create(control.CreateOptions{
		OwnFwmark: int32(*own),
		FwOffset:  int32(*offset),
		M:         uint32(m),
		N:         uint32(n),
	})
}

func cmdShow(args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "print as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	view, err := control.Show()
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}

	fmt.Printf("own_fwmark=%d fw_offset=%d m=%d n=%d\n", view.OwnFwmark, view.FwOffset, view.M, view.N)
	fmt.Printf("active=%v\n", view.Active)
	fmt.Printf("lookup_sample=%v\n", view.LookupSample)
	fmt.Printf("modulo_active=%d modulo_lookup=%v\n", view.ModuloActive, view.ModuloLookup)
	return nil
}

func cmdClean([]string) error {
	return control.Clean()
}

func cmdActivate(args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	return control.Activate(ids...)
}

func cmdDeactivate(args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	return control.Deactivate(ids...)
}

func parseIDs(args []string) ([]int, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("at least one backend id required")
	}
	ids := make([]int, 0, len(args))
	for _, a := range args {
		var id int
		if _, err := fmt.Sscanf(a, "%d", &id); err != nil {
			return nil, fmt.Errorf("invalid backend id %q: %w", a, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	queueNum := fs.Uint("q", 0, "NFQUEUE queue number to bind")
	portExt := fs.Bool("p", false, "extend the hash key with source/destination ports")
	mode := fs.String("m", string(sharedstate.ModeMaglev), "lookup mode: maglev or modulo")
	health := fs.String("health", "", "optional comma-separated index:protocol:url health-check specs, e.g. 0:http:http://10.0.0.1/healthz")
	healthInterval := fs.Duration("health-interval", 30*time.Second, "health-check interval, only used with -health")
	healthConfig := fs.String("health-config", "", "optional YAML/JSON/TOML file with the full health-check config (backends, thresholds, probe fanout); takes precedence over -health")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := nfqueue.Open(uint16(*queueNum))
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *healthConfig != "":
		if err := startHealthMonitorFromConfig(ctx, *healthConfig); err != nil {
			return fmt.Errorf("run: %w", err)
		}
	case *health != "":
		if err := startHealthMonitor(ctx, *health, *healthInterval); err != nil {
			return fmt.Errorf("run: %w", err)
		}
	}

	return control.Run(ctx, client, control.RunOptions{
		QueueNum:      uint32(*queueNum),
		PortExtension: *portExt,
		Mode:          sharedstate.Mode(*mode),
	})
}

// startHealthMonitor parses -health's spec, builds a health monitor,
// and drives it against control.Activate/Deactivate in the background
// until ctx is canceled. This is the supplemented automation layer
// from SPEC_FULL.md §5: optional, and it never touches the shared
// region through any path other than those two existing commands.
func startHealthMonitor(ctx context.Context, spec string, interval time.Duration) error {
	view, err := control.Show()
	if err != nil {
		return fmt.Errorf("health monitor: %w", err)
	}

	hm, err := healthmonitor.NewHealthMonitor(ctx,
		healthmonitor.WithCheckInterval(interval),
		healthmonitor.EnableHealthyChannel(),
		healthmonitor.EnableUnhealthyChannel(),
	)
	if err != nil {
		return err
	}

	backends, err := parseHealthSpec(spec)
	if err != nil {
		return err
	}
	hm.Add(backends...)

	if err := hm.Start(); err != nil {
		return err
	}

	go func() {
		_ = healthmonitor.Drive(ctx, hm, view.FwOffset, control.Activate, control.Deactivate)
		hm.Stop()
	}()
	return nil
}

// startHealthMonitorFromConfig builds the health monitor from a config
// file instead of the flat -health spec, exercising the same decode
// hook chain (viper + mapstructure + go-bytesize/url hooks) the
// teacher's x/viper package was built for.
func startHealthMonitorFromConfig(ctx context.Context, path string) error {
	view, err := control.Show()
	if err != nil {
		return fmt.Errorf("health monitor: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("health monitor: reading %s: %w", path, err)
	}

	hm, err := healthmonitor.NewHealthMonitor(ctx,
		healthmonitor.LoadConfig(v),
		healthmonitor.EnableHealthyChannel(),
		healthmonitor.EnableUnhealthyChannel(),
	)
	if err != nil {
		return err
	}

	var cfg healthmonitor.Config
	if err := iviper.Unmarshal(v, &cfg); err != nil {
		return fmt.Errorf("health monitor: %w", err)
	}
	backends := make([]*healthmonitor.Backend, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		protocol := b.Protocol
		if protocol == "" {
			protocol = healthmonitor.HTTP
		}
		backends = append(backends, healthmonitor.NewBackend(b.Index, b.Url, protocol))
	}
	hm.Add(backends...)

	if err := hm.Start(); err != nil {
		return err
	}

	go func() {
		_ = healthmonitor.Drive(ctx, hm, view.FwOffset, control.Activate, control.Deactivate)
		hm.Stop()
	}()
	return nil
}

func parseHealthSpec(spec string) ([]*healthmonitor.Backend, error) {
	var backends []*healthmonitor.Backend
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid health spec entry %q: want index:protocol:url", entry)
		}
		var index int
		if _, err := fmt.Sscanf(parts[0], "%d", &index); err != nil {
			return nil, fmt.Errorf("invalid backend index in %q: %w", entry, err)
		}
		u, err := url.Parse(parts[2])
		if err != nil {
			return nil, fmt.Errorf("invalid backend url in %q: %w", entry, err)
		}
		backends = append(backends, healthmonitor.NewBackend(index, *u, healthmonitor.Protocol(parts[1])))
	}
	return backends, nil
}
