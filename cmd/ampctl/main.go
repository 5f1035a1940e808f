// ampctl runs command sequences on fleet amplifiers over relayed SSH and
// collects the results.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/andrej220/ampctl/internal/identity"
	"github.com/andrej220/ampctl/internal/lg"
	"github.com/andrej220/ampctl/internal/orchestrator"
	"github.com/andrej220/ampctl/internal/persistence"
	"github.com/andrej220/ampctl/internal/profile"
	"github.com/andrej220/ampctl/internal/store"
	"github.com/andrej220/ampctl/internal/transport"
	"github.com/andrej220/ampctl/pkg/config"
	"github.com/andrej220/ampctl/pkg/progress"
)

const serviceName = "AMPCTL"

type options struct {
	macs      string
	ips       string
	tasks     string
	image     string
	env       string
	catalog   string
	mongoURI  string
	mongoDB   string
	mongoColl string
	mongoID   string
	mapping   string
	record    string
	stateDir  string
	artifacts string
	output    string
	timeout   time.Duration
	skipRelay bool
	kafka     string
	topic     string
}

func main() {
	fs := flag.NewFlagSet("ampctl", flag.ExitOnError)
	var opts options
	fs.StringVar(&opts.macs, "mac", "", "comma-separated device MACs")
	fs.StringVar(&opts.ips, "ip", "", "comma-separated device IPs")
	fs.StringVar(&opts.tasks, "task", "", "comma-separated task names (required)")
	fs.StringVar(&opts.image, "image", "", "device image tag selecting the profile (required)")
	fs.StringVar(&opts.env, "env", "", "environment selecting a relay host from the profile")
	fs.StringVar(&opts.catalog, "catalog", "profiles.yaml", "profile catalog file")
	fs.StringVar(&opts.mongoURI, "mongo-uri", "", "load the catalog from MongoDB instead of a file")
	fs.StringVar(&opts.mongoDB, "mongo-db", "ampctl", "MongoDB database name")
	fs.StringVar(&opts.mongoColl, "mongo-coll", "catalogs", "MongoDB collection name")
	fs.StringVar(&opts.mongoID, "mongo-id", "default", "catalog document ID")
	fs.StringVar(&opts.mapping, "mapping", "mac_ip_mapping.json", "MAC to IP mapping file")
	fs.StringVar(&opts.record, "record", "", "comma-separated mac=ip pairs to store in the mapping file before resolving")
	fs.StringVar(&opts.stateDir, "state-dir", "state", "per-device state directory")
	fs.StringVar(&opts.artifacts, "artifacts", "artifacts", "directory for retrieved files")
	fs.StringVar(&opts.output, "output", "", "write the run report to this file")
	fs.DurationVar(&opts.timeout, "timeout", 0, "override step timeout for steps without one")
	fs.BoolVar(&opts.skipRelay, "skip-relay", false, "dial devices directly, bypassing the relay")
	fs.StringVar(&opts.kafka, "kafka", "", "publish progress events to these Kafka brokers")
	fs.StringVar(&opts.topic, "topic", "device-progress", "Kafka topic for progress events")
	logCfg := lg.RegisterFlags(fs, serviceName)
	fs.Parse(os.Args[1:])

	logger := lg.New(logCfg)
	defer logger.Sync()

	if err := run(&opts, logger); err != nil {
		logger.Error("run failed", lg.Err(err))
		os.Exit(1)
	}
}

func run(opts *options, logger lg.Logger) error {
	tasks := splitList(opts.tasks)
	if len(tasks) == 0 {
		return errors.New("at least one -task is required")
	}
	if opts.image == "" {
		return errors.New("-image is required")
	}

	catalog, err := loadCatalog(opts)
	if err != nil {
		return err
	}
	prof, err := catalog.Get(opts.image)
	if err != nil {
		return err
	}
	prof = prof.With(profile.Overrides{Timeout: opts.timeout, Env: opts.env, SkipRelay: opts.skipRelay})

	resolver, err := identity.NewFileResolver(opts.mapping)
	if err != nil {
		return err
	}
	if err := recordMappings(opts.record, resolver); err != nil {
		return err
	}
	devices, err := resolveDevices(opts, resolver, prof, logger)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return errors.New("no devices to run against; pass -mac or -ip")
	}

	st, err := store.New(opts.stateDir, logger)
	if err != nil {
		return err
	}

	observers := progress.Multi{progress.NewLogObserver(logger)}
	if opts.kafka != "" {
		pub := progress.NewPublisher(opts.kafka, opts.topic, logger)
		defer pub.Close()
		observers = append(observers, pub)
	}

	orch := orchestrator.New(sshDialer{transport.NewDialer(logger)}, st, observers, logger)
	orch.ArtifactDir = opts.artifacts

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = lg.Attach(ctx, logger)

	report := orch.Run(ctx, devices, tasks)

	if opts.output != "" {
		err := persistence.SaveReport(report, opts.output,
			persistence.JSONSerializer{Indent: "  "},
			persistence.FileWriter{Overwrite: true})
		if err != nil {
			logger.Error("failed to save report", lg.Err(err))
		}
	}

	for _, d := range report.Devices {
		fmt.Printf("%-18s %-16s %s\n", d.Key, d.Addr, d.StatusText)
	}
	if !report.AllComplete() {
		return errors.New("one or more devices did not complete")
	}
	return nil
}

func loadCatalog(opts *options) (*profile.Catalog, error) {
	var (
		st  config.Config
		err error
	)
	if opts.mongoURI != "" {
		st, err = config.NewStore(config.MongoStore, &config.MongoConfig{
			URI:      opts.mongoURI,
			DBName:   opts.mongoDB,
			CollName: opts.mongoColl,
			ID:       opts.mongoID,
		})
	} else {
		st, err = config.NewStore(config.FileStore, &config.FileConfig{Path: opts.catalog})
	}
	if err != nil {
		return nil, err
	}

	var catalog profile.Catalog
	if err := st.Load(&catalog); err != nil {
		return nil, err
	}
	if err := profile.ValidateCatalog(&catalog); err != nil {
		return nil, err
	}
	return &catalog, nil
}

func resolveDevices(opts *options, resolver identity.Resolver, prof profile.Profile, logger lg.Logger) ([]orchestrator.Device, error) {
	var devices []orchestrator.Device
	for _, mac := range splitList(opts.macs) {
		id, err := resolver.ByMAC(mac)
		if err != nil {
			return nil, err
		}
		devices = append(devices, orchestrator.Device{Key: id.Key, Addr: hostPort(id.Addr), Profile: prof})
	}
	for _, ip := range splitList(opts.ips) {
		id, err := resolver.ByIP(ip)
		if errors.Is(err, identity.ErrNotFound) {
			// A device we have never seen still runs; its state is keyed by
			// address until a MAC is recorded for it.
			logger.Warn("no recorded identity for ip, keying state by address", lg.String("ip", ip))
			id = identity.Identity{Key: strings.ReplaceAll(ip, ":", "_"), Addr: ip}
		} else if err != nil {
			return nil, err
		}
		devices = append(devices, orchestrator.Device{Key: id.Key, Addr: hostPort(id.Addr), Profile: prof})
	}
	return devices, nil
}

// hostPort appends the default SSH port to addresses that lack one. Bare
// IPv6 addresses get bracketed in the process.
func hostPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, "22")
}

// recordMappings applies -record pairs so a freshly learned device address
// is resolvable by -mac in the same invocation.
func recordMappings(s string, resolver identity.Resolver) error {
	for _, pair := range splitList(s) {
		mac, ip, ok := strings.Cut(pair, "=")
		if !ok || mac == "" || ip == "" {
			return fmt.Errorf("bad -record entry %q, expected mac=ip", pair)
		}
		if err := resolver.Record(mac, ip); err != nil {
			return err
		}
	}
	return nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// sshDialer adapts the concrete transport dialer to the orchestrator's
// interface.
type sshDialer struct {
	d *transport.Dialer
}

func (s sshDialer) Open(ctx context.Context, p profile.Profile, addr string) (orchestrator.Conn, error) {
	sess, err := s.d.Open(ctx, p, addr)
	if err != nil {
		return nil, err
	}
	return sess, nil
}
