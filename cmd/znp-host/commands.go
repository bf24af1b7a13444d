package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"znp-host/internal/adapter"
	"znp-host/internal/async"
	"znp-host/internal/events"
	"znp-host/internal/provider"
	"znp-host/internal/script"
	"znp-host/internal/store"
	"znp-host/internal/web"
	"znp-host/internal/znp"
)

const (
	commandTimeout = 30 * time.Second
	startTimeout   = 60 * time.Second
	listWait       = 2 * time.Second
)

type app struct {
	cfg    *Config
	logger *slog.Logger
	out    io.Writer
}

type command struct {
	name    string
	args    string
	summary string
	minArgs int
	run     func(ctx context.Context, a *app, args []string) error
}

// help is handled by run before the config is loaded.
var commands = []command{
	{name: "help", summary: "Display this help message"},
	{name: "list", summary: "List devices of the configured providers", run: cmdList},
	{name: "test-mqtt", args: "[broker]", summary: "Watch the MQTT presence provider", run: cmdTestMQTT},
	{name: "test-zigbee", args: "[uri]", summary: "Watch the raw discovery provider", run: cmdTestZigbee},
	{name: "test-zstack", summary: "Connect and form the configured network", run: cmdTestZStack},
	{name: "info", summary: "Show coprocessor firmware and device info", run: cmdInfo},
	{name: "nv-read", args: "<item>", summary: "Read an NV item as hex", minArgs: 1, run: cmdNvRead},
	{name: "nv-write", args: "<item> <hex>", summary: "Write an NV item, creating it if needed", minArgs: 2, run: cmdNvWrite},
	{name: "nv-delete", args: "<item>", summary: "Delete an NV item", minArgs: 1, run: cmdNvDelete},
	{name: "backup", args: "[name]", summary: "Save the network NV items to the store", run: cmdBackup},
	{name: "restore", args: "<name>", summary: "Write a saved backup back to the coprocessor", minArgs: 1, run: cmdRestore},
	{name: "script", args: "<file.lua>", summary: "Run a Lua script against the coprocessor", minArgs: 1, run: cmdScript},
	{name: "serve", summary: "Form the network and serve the status API", run: cmdServe},
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: znp-host [-config path] [-connection uri] <command> [args]")
	fmt.Fprintln(w, "Available commands:")
	for _, c := range commands {
		usage := c.name
		if c.args != "" {
			usage += " " + c.args
		}
		fmt.Fprintf(w, "  %-22s %s\n", usage, c.summary)
	}
}

// session is a coprocessor connection with its executor.
type session struct {
	exec *async.Executor
	proc *znp.Processor
}

func (s *session) Close() {
	s.proc.Close()
	s.exec.Stop()
}

func (a *app) openSession(ctx context.Context, connect bool) (*session, error) {
	if a.cfg.ZNP.Connection == "" {
		return nil, znp.KindError(znp.KindInvalidArgument, "connect", "znp.connection is not set")
	}
	uri, err := znp.ParseConnectionURI(a.cfg.ZNP.Connection)
	if err != nil {
		return nil, err
	}
	exec := async.NewExecutor(a.cfg.Executor.Workers, a.logger)
	tr := znp.NewTransport(uri, exec, a.logger,
		znp.WithSerialOptions(a.cfg.serialOptions()),
		znp.WithRequestTimeout(a.cfg.requestTimeout),
		znp.WithQueueLimit(a.cfg.ZNP.QueueLimit),
		znp.WithFaultHandler(func(err error) {
			a.logger.Error("coprocessor connection lost", "err", err)
		}),
	)
	s := &session{exec: exec, proc: znp.NewProcessor(tr, a.logger)}
	if connect {
		if err := s.proc.Connect(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (a *app) newAdapter(s *session, opts ...adapter.Option) (*adapter.Adapter, error) {
	network, err := a.cfg.networkOptions()
	if err != nil {
		return nil, err
	}
	return adapter.New(s.proc, s.exec, network, a.logger, opts...), nil
}

func (a *app) mqttConfig(broker string) (provider.MQTTConfig, error) {
	if broker == "" {
		broker = a.cfg.MQTT.Broker
	}
	url, err := provider.ParseBrokerURL(broker)
	if err != nil {
		return provider.MQTTConfig{}, err
	}
	return provider.MQTTConfig{
		Broker:      url,
		Username:    a.cfg.MQTT.Username,
		Password:    a.cfg.MQTT.Password,
		ClientID:    a.cfg.MQTT.ClientID,
		DeviceTopic: a.cfg.MQTT.DeviceTopic,
		StatusTopic: a.cfg.MQTT.StatusTopic,
	}, nil
}

func (a *app) openScan(ctx context.Context, conn string) (*provider.ScanProvider, error) {
	uri, err := znp.ParseConnectionURI(conn)
	if err != nil {
		return nil, err
	}
	return provider.NewScanProvider(ctx, uri, provider.ScanOptions{Serial: a.cfg.serialOptions()}, a.logger)
}

// openProviders starts every configured provider. On error the ones already
// started are closed.
func (a *app) openProviders(ctx context.Context) (map[string]provider.Provider, error) {
	providers := make(map[string]provider.Provider)
	closeAll := func() {
		for _, p := range providers {
			p.Close()
		}
	}
	if a.cfg.MQTT.Enabled {
		cfg, err := a.mqttConfig("")
		if err != nil {
			return nil, err
		}
		p, err := provider.NewMQTTProvider(cfg, a.logger)
		if err != nil {
			return nil, err
		}
		providers["mqtt"] = p
	}
	if a.cfg.Scan.Connection != "" {
		p, err := a.openScan(ctx, a.cfg.Scan.Connection)
		if err != nil {
			closeAll()
			return nil, err
		}
		providers["zigbee"] = p
	}
	return providers, nil
}

// printDelegate writes provider notifications to the command output.
type printDelegate struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printDelegate) OnNewDevice(d provider.Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.out, "New device: ")
	printDevice(p.out, d)
}

func (p *printDelegate) OnDeviceChanged(d provider.Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.out, "Changed: ")
	printDevice(p.out, d)
}

func printDevice(w io.Writer, d provider.Device) {
	fmt.Fprintf(w, "ID: %s, Name: %s, Online: %t\n", d.ID, d.Name, d.Online)
}

func waitForSignal(ctx context.Context) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
}

func cmdList(ctx context.Context, a *app, _ []string) error {
	providers, err := a.openProviders(ctx)
	if err != nil {
		return err
	}
	if len(providers) == 0 {
		return errors.New("no providers configured (set mqtt.enabled or scan.connection)")
	}
	defer func() {
		for _, p := range providers {
			p.Close()
		}
	}()

	// Presence arrives asynchronously; give the providers a moment.
	time.Sleep(listWait)
	for name, p := range providers {
		fmt.Fprintf(a.out, "%s devices:\n", name)
		for _, d := range p.ListDevices() {
			printDevice(a.out, d)
		}
	}
	return nil
}

func cmdTestMQTT(ctx context.Context, a *app, args []string) error {
	var broker string
	if len(args) > 0 {
		broker = args[0]
	}
	cfg, err := a.mqttConfig(broker)
	if err != nil {
		return err
	}
	p, err := provider.NewMQTTProvider(cfg, a.logger)
	if err != nil {
		return err
	}
	defer p.Close()

	fmt.Fprintln(a.out, "Initial devices:")
	// SetDelegate replays the devices already seen.
	p.SetDelegate(&printDelegate{out: a.out})
	fmt.Fprintln(a.out, "Watching for changes, Ctrl-C to stop")
	waitForSignal(ctx)
	return nil
}

func cmdTestZigbee(ctx context.Context, a *app, args []string) error {
	conn := a.cfg.Scan.Connection
	if len(args) > 0 {
		conn = args[0]
	}
	if conn == "" {
		return znp.KindError(znp.KindInvalidArgument, "test-zigbee", "no uri given and scan.connection is not set")
	}
	p, err := a.openScan(ctx, conn)
	if err != nil {
		return err
	}
	defer p.Close()

	fmt.Fprintln(a.out, "Zigbee devices:")
	p.SetDelegate(&printDelegate{out: a.out})
	waitForSignal(ctx)
	return nil
}

func cmdTestZStack(ctx context.Context, a *app, _ []string) error {
	s, err := a.openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	ad, err := a.newAdapter(s)
	if err != nil {
		return err
	}
	ad.OnStateChange(func(st adapter.State) {
		fmt.Fprintf(a.out, "state: %s\n", st)
	})

	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if _, err := ad.Start(ctx).Await(ctx); err != nil {
		return fmt.Errorf("failed to start Zigbee: %w", err)
	}
	fmt.Fprintln(a.out, "Zigbee adapter started")
	return nil
}

func cmdInfo(ctx context.Context, a *app, _ []string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	s, err := a.openSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	caps, err := s.proc.Ping(ctx)
	if err != nil {
		return err
	}
	v, err := s.proc.Version(ctx, false)
	if err != nil {
		return err
	}
	alignment, err := s.proc.MemoryAlignment(ctx)
	if err != nil {
		return err
	}
	info, err := s.proc.DeviceInfo(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "Capabilities:     %s\n", strings.Join(caps.Names(), " "))
	fmt.Fprintf(a.out, "Firmware:         %s\n", v)
	fmt.Fprintf(a.out, "Memory alignment: %s\n", alignment)
	fmt.Fprintf(a.out, "IEEE address:     %s\n", info.IEEEString())
	fmt.Fprintf(a.out, "Short address:    0x%04X\n", info.ShortAddress)
	fmt.Fprintf(a.out, "Device state:     %d\n", info.DeviceState)
	fmt.Fprintf(a.out, "Associated:       %d\n", len(info.Associated))
	return nil
}

func cmdNvRead(ctx context.Context, a *app, args []string) error {
	id, err := znp.ParseItemID(args[0])
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	s, err := a.openSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	data, err := s.proc.ReadItem(ctx, id)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		fmt.Fprintf(a.out, "%s: not present\n", id)
		return nil
	}
	fmt.Fprintf(a.out, "%s: %X\n", id, data)
	return nil
}

func cmdNvWrite(ctx context.Context, a *app, args []string) error {
	id, err := znp.ParseItemID(args[0])
	if err != nil {
		return err
	}
	data, err := decodeHex(args[1], 0)
	if err != nil {
		return znp.KindError(znp.KindInvalidArgument, "nv-write", err.Error())
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	s, err := a.openSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.proc.WriteItem(ctx, id, data, true); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s: wrote %d bytes\n", id, len(data))
	return nil
}

func cmdNvDelete(ctx context.Context, a *app, args []string) error {
	id, err := znp.ParseItemID(args[0])
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	s, err := a.openSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	status, err := s.proc.DeleteItem(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s: %s\n", id, status)
	return nil
}

func cmdBackup(ctx context.Context, a *app, args []string) error {
	name := "backup-" + time.Now().Format("20060102-150405")
	if len(args) > 0 {
		name = args[0]
	}
	db, err := store.NewBoltStore(a.cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	s, err := a.openSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	b, err := adapter.Backup(ctx, s.proc, name)
	if err != nil {
		return err
	}
	if err := db.SaveBackup(b); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "backup %q: %d items\n", b.Name, len(b.Items))
	return nil
}

func cmdRestore(ctx context.Context, a *app, args []string) error {
	db, err := store.NewBoltStore(a.cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := db.GetBackup(args[0])
	if err != nil {
		return fmt.Errorf("backup %q: %w", args[0], err)
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	s, err := a.openSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := adapter.Restore(ctx, s.proc, b); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "restored %q: %d items\n", b.Name, len(b.Items))
	return nil
}

func cmdScript(ctx context.Context, a *app, args []string) error {
	s, err := a.openSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	res := script.NewRunner(s.proc, a.logger, a.cfg.scriptTimeout).RunFile(ctx, args[0])
	for _, line := range res.Logs {
		fmt.Fprintln(a.out, line)
	}
	if !res.OK {
		return fmt.Errorf("script %s: %s", args[0], res.Error)
	}
	a.logger.Info("script finished", "file", args[0], "duration", res.Duration)
	return nil
}

func cmdServe(ctx context.Context, a *app, _ []string) error {
	db, err := store.NewBoltStore(a.cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	if a.cfg.Web.Metrics {
		znp.RegisterMetrics()
	}

	s, err := a.openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	bus := events.NewBus(a.logger)
	ad, err := a.newAdapter(s, adapter.WithEventBus(bus), adapter.WithNetworkStore(db))
	if err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	_, err = ad.Start(startCtx).Await(startCtx)
	cancel()
	if err != nil {
		return err
	}

	providers, err := a.openProviders(ctx)
	if err != nil {
		return err
	}
	defer func() {
		for _, p := range providers {
			p.Close()
		}
	}()

	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithAdapter(ad),
		web.WithStore(db),
		web.WithScriptRunner(script.NewRunner(s.proc, a.logger, a.cfg.scriptTimeout)),
	}
	for name, p := range providers {
		p.SetDelegate(provider.BusDelegate{Bus: bus, Source: name})
		webOpts = append(webOpts, web.WithProvider(name, p))
	}
	if a.cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(a.cfg.Web.APIKey))
	}
	if len(a.cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(a.cfg.Web.AllowedOrigins))
	}
	if a.cfg.Web.Metrics {
		webOpts = append(webOpts, web.WithMetrics())
	}
	webServer := web.NewServer(bus, a.logger, webOpts...)

	httpServer := &http.Server{
		Addr:         a.cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("web server starting", "addr", a.cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case sig := <-sigCh:
		a.logger.Info("shutting down", "signal", sig)
	case err = <-serveErr:
		a.logger.Error("http server", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		a.logger.Error("http server shutdown", "err", serr)
	}
	webServer.Stop()
	a.logger.Info("goodbye")
	return err
}
