package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"epdweather/internal/auth"
	"epdweather/internal/battery"
	"epdweather/internal/calendar"
	"epdweather/internal/clock"
	"epdweather/internal/config"
	"epdweather/internal/cycle"
	"epdweather/internal/epd"
	"epdweather/internal/ics"
	appLog "epdweather/internal/log"
	"epdweather/internal/netcheck"
	"epdweather/internal/power"
	"epdweather/internal/render"
	"epdweather/internal/settings"
	"epdweather/internal/weather"
	"epdweather/internal/web"
)

const version = "0.3.0"

// exitRestart asks the supervisor (systemd Restart=on-failure) to start us again.
const exitRestart = 3

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	renderOnly bool
	dump       bool
	debug      bool
}

// displayClock is what the renderer and the cycle need from a clock.
type displayClock interface {
	Sync(ctx context.Context) error
	Valid() bool
	Now() time.Time
}

func main() {
	os.Exit(run())
}

func run() int {
	flags := parseFlags()
	appLog.Info("epdweather starting", "version", version)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		return 1
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.dump && conf.Display.DumpPath == "" {
		conf.Display.DumpPath = "./cache/plane.bin"
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Location().String(),
		"language", conf.Language,
		"refresh_interval", conf.RefreshInterval.String(),
		"calendar", conf.Calendar.Provider,
		"display", conf.Display.Driver,
		"sleep", conf.Sleep.Mode,
		"once", flags.once,
		"render_only", flags.renderOnly,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	store, err := openSettings(conf)
	if err != nil {
		appLog.Error("failed to open settings", err, "path", conf.SettingsPath)
		return 1
	}

	panel, err := openPanel(ctx, conf, flags.renderOnly)
	if err != nil {
		appLog.Error("failed to open display", err, "driver", conf.Display.Driver)
		return 1
	}
	defer panel.Close()

	var clk displayClock = clock.System{}
	if len(conf.NTP.Servers) > 0 {
		clk = clock.NewNTPClock(conf.NTP.Servers, conf.NTP.Timeout)
	}

	br := batteryReader(conf)
	screen := render.NewScreen(panel, render.ScreenConfig{
		Width:       conf.Display.Width,
		Height:      conf.Display.Height,
		Location:    conf.Location(),
		Labels:      render.NewLabels(conf.Language),
		PreviewPath: conf.Display.PreviewPath,
		DumpPath:    conf.Display.DumpPath,
		Battery:     br,
		Now:         clk.Now,
		ClockValid:  clk.Valid,
	})

	httpClient := &http.Client{Timeout: conf.FetchTimeout}
	deps := cycle.Deps{
		Settings: store,
		Network:  netcheck.New(conf.Wifi.ProbeAddress, conf.Wifi.PollInterval, conf.Wifi.SetupCommand),
		Clock:    clk,
		Weather: weather.New(weather.Config{
			Endpoint:          conf.Weather.Endpoint,
			GeocodeEndpoint:   conf.Weather.GeocodeEndpoint,
			IPGeoEndpoint:     conf.Weather.IPGeoEndpoint,
			Units:             conf.Weather.Units,
			Lang:              conf.Language,
			RequestsPerMinute: conf.Weather.RequestsPerMinute,
			HTTPClient:        httpClient,
		}, store),
		Renderer: screen,
		Sleeper:  sleeper(conf),
	}
	wireCalendar(&deps, conf, store, screen, httpClient)

	c := cycle.New(deps, cycle.Options{
		Interval:         conf.RefreshInterval,
		FetchTimeout:     conf.FetchTimeout,
		WifiSetupTimeout: conf.Wifi.SetupTimeout,
		TimeSyncTimeout:  conf.NTP.Timeout * time.Duration(max(1, len(conf.NTP.Servers))),
	})

	if conf.Listen != "" && !flags.once {
		srv := web.NewServer(conf, c, screen, store, br)
		go func() {
			if err := srv.Serve(ctx); err != nil {
				appLog.Error("HTTP server stopped", err)
			}
		}()
	}

	if flags.once {
		err = c.RunOnce(ctx)
	} else {
		err = c.Run(ctx)
	}

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		appLog.Info("epdweather exiting")
		return 0
	case errors.Is(err, cycle.ErrRestart):
		appLog.Error("restart required", err)
		return exitRestart
	default:
		appLog.Error("update cycle failed", err)
		return 1
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", config.DefaultPath, "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one fetch+render(+display) cycle and exit")
	flag.BoolVar(&cfg.renderOnly, "render-only", false, "Render only; do not touch display hardware")
	flag.BoolVar(&cfg.dump, "dump", false, "Dump the packed panel plane next to the preview")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}

// openSettings builds the settings store and seeds unset keys from EPD_*
// variables (optionally loaded from the env file).
func openSettings(conf *config.Config) (settings.Store, error) {
	if conf.EnvFile != "" {
		if err := godotenv.Load(conf.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			appLog.Warn("env file not loaded", "path", conf.EnvFile, "err", err)
		}
	}

	var store settings.Store = settings.NewFileStore(conf.SettingsPath)
	if conf.Secrets == "keyring" {
		store = settings.NewKeyringStore(store, settings.KeyringService)
	}

	seeded, err := settings.SeedFromEnv(store, os.LookupEnv)
	if err != nil {
		return nil, err
	}
	if len(seeded) > 0 {
		appLog.Info("settings seeded from environment", "keys", seeded)
	}
	return store, nil
}

func openPanel(ctx context.Context, conf *config.Config, renderOnly bool) (epd.Panel, error) {
	if renderOnly {
		return epd.NopPanel{}, nil
	}
	switch conf.Display.Driver {
	case "none":
		return epd.NopPanel{}, nil
	case "file":
		return epd.FilePanel{Path: conf.Display.DumpPath}, nil
	default:
		p := conf.Display.Pins
		return epd.Open(ctx, epd.Config{
			SPIPort: conf.Display.SPIPort,
			Pins:    epd.Pins{RST: p.RST, DC: p.DC, BUSY: p.BUSY, PWR: p.PWR},
		})
	}
}

func batteryReader(conf *config.Config) battery.Reader {
	switch {
	case !conf.Battery.Enabled:
		return nil
	case conf.Battery.Mock > 0:
		return battery.Fixed{Percent: conf.Battery.Mock}
	default:
		return battery.NewI2CReader(conf.Battery.I2CBus, conf.Battery.I2CAddr)
	}
}

func sleeper(conf *config.Config) power.Sleeper {
	if conf.Sleep.Mode == "command" {
		return power.NewCommandSleeper(conf.Sleep.Command)
	}
	return power.NewTimerSleeper()
}

func wireCalendar(deps *cycle.Deps, conf *config.Config, store settings.Store, prompter auth.Prompter, client *http.Client) {
	cc := conf.Calendar
	switch cc.Provider {
	case "graph":
		tokens := auth.NewProvider(auth.Config{
			TokenURL:           cc.TokenURL,
			DeviceAuthURL:      cc.DeviceAuthURL,
			Scopes:             cc.Scopes,
			InteractiveTimeout: cc.InteractiveTimeout,
			RequestTimeout:     conf.FetchTimeout,
			HTTPClient:         client,
		}, store, prompter)
		deps.Tokens = tokens
		deps.Calendar = calendar.NewGraph(calendar.Config{
			Endpoint:      cc.Endpoint,
			LookaheadDays: cc.LookaheadDays,
			PageSize:      cc.PageSize,
			Location:      conf.Location(),
			HTTPClient:    client,
		}, tokens)
	case "ics":
		feeds := make([]ics.Feed, 0, len(cc.ICS))
		for _, f := range cc.ICS {
			if f.URL == "" {
				continue
			}
			id := f.ID
			if id == "" {
				id = f.Name
			}
			if id == "" {
				id = f.URL
			}
			feeds = append(feeds, ics.Feed{ID: id, URL: f.URL})
		}
		deps.Calendar = ics.New(ics.Config{
			Feeds:         feeds,
			CacheDir:      cc.ICSCacheDir,
			LookaheadDays: cc.LookaheadDays,
			Location:      conf.Location(),
			HTTPClient:    client,
		})
	}
}
