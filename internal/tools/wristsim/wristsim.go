// Package wristsim implements the wristsim command: a host simulation of the
// firmware core that inspects and drives a flash directory.
package wristsim

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/hupe1980/wristcore"
	"github.com/hupe1980/wristcore/config"
	"github.com/hupe1980/wristcore/install"
	"github.com/hupe1980/wristcore/settings"
	"github.com/hupe1980/wristcore/wakeup"
	"github.com/hupe1980/wristcore/worker"
)

// Config is the parsed command line.
type Config struct {
	Device  config.Config
	Command string
	Args    []string
	Timeout time.Duration
}

// ParseConfig reads the environment, then lets flags override it.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	dev, err := config.Load()
	if err != nil {
		return Config{}, err
	}
	cfg := Config{Device: dev}

	fs.StringVar(&cfg.Device.FlashDir, "flash-dir", dev.FlashDir, "directory backing the emulated flash (default: WRISTCORE_FLASH_DIR or ./flash)")
	fs.TextVar(&cfg.Device.LogLevel, "log-level", dev.LogLevel, "minimum log level")
	fs.StringVar(&cfg.Device.LogFile, "log-file", dev.LogFile, "also write JSON logs to this file")
	fs.DurationVar(&cfg.Timeout, "timeout", 0, "stop after this long (0 = until interrupted)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() == 0 {
		return Config{}, errors.New("missing command: settings, install, uninstall, list, launch, wakeups, schedule or run")
	}
	cfg.Command = fs.Arg(0)
	cfg.Args = fs.Args()[1:]
	return cfg, cfg.Device.Validate()
}

// Run executes the command.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	logger, closeLog, err := newLogger(cfg.Device, errOut)
	if err != nil {
		return err
	}
	defer closeLog()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	k, err := wristcore.Open(cfg.Device,
		wristcore.WithLogger(logger),
		wristcore.WithWakeupHandler(func(e wakeup.Entry, missed bool) {
			logger.Info("wakeup", "id", e.ID, "app", e.App, "reason", e.Reason, "missed", missed)
		}),
	)
	if err != nil {
		return err
	}
	defer k.Close()

	switch cfg.Command {
	case "settings":
		return runSettings(k, cfg.Args, out)
	case "install":
		return runInstall(ctx, k, cfg.Args)
	case "uninstall":
		return runUninstall(ctx, k, cfg.Args)
	case "list":
		return runList(k, out)
	case "launch":
		return runLaunch(ctx, k, cfg.Args)
	case "wakeups":
		return runWakeups(k, out)
	case "schedule":
		return runSchedule(k, cfg.Args, out)
	case "run":
		return k.Run(ctx)
	default:
		return fmt.Errorf("unknown command %q", cfg.Command)
	}
}

func newLogger(cfg config.Config, errOut io.Writer) (*wristcore.Logger, func(), error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	handlers := []slog.Handler{slog.NewTextHandler(errOut, opts)}
	closeFn := func() {}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
		closeFn = func() { _ = f.Close() }
	}
	return wristcore.NewFanoutLogger(handlers...), closeFn, nil
}

type settingsRecord struct {
	Key          string    `json:"key"`
	Value        string    `json:"value"`
	Deleted      bool      `json:"deleted,omitempty"`
	Dirty        bool      `json:"dirty,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

func runSettings(k *wristcore.Kernel, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("settings", flag.ContinueOnError)
	file := fs.String("file", "", "settings file name")
	size := fs.Int("size", 4096, "live record budget of the file")
	key := fs.String("key", "", "key for get, set and delete")
	value := fs.String("value", "", "value for set")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" || fs.NArg() != 1 {
		return errors.New("usage: settings -file NAME [-key K] [-value V] dump|stats|get|set|delete")
	}

	f, err := k.OpenSettings(*file, *size)
	if err != nil {
		return err
	}
	defer f.Close()

	switch op := fs.Arg(0); op {
	case "dump":
		var recs []settingsRecord
		err := f.Each(func(rec *settings.Record) settings.IterAction {
			recs = append(recs, settingsRecord{
				Key:          hex.EncodeToString(rec.Key),
				Value:        hex.EncodeToString(rec.Val),
				Deleted:      rec.Deleted(),
				Dirty:        rec.Dirty,
				LastModified: rec.LastModified,
			})
			return settings.Continue
		})
		if err != nil {
			return err
		}
		return writeJSON(out, recs)
	case "stats":
		return writeJSON(out, f.Stats())
	case "get":
		v, err := f.Get([]byte(*key))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%s\n", v)
		return err
	case "set":
		return f.Set([]byte(*key), []byte(*value))
	case "delete":
		return f.Delete([]byte(*key))
	default:
		return fmt.Errorf("unknown settings operation %q", op)
	}
}

func parseID(s string) (worker.InstallID, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid install id %q", s)
	}
	return worker.InstallID(v), nil
}

func runInstall(ctx context.Context, k *wristcore.Kernel, args []string) error {
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	id := fs.String("id", "", "install id")
	name := fs.String("name", "", "display name")
	image := fs.String("image", "", "flash file holding the process image")
	isWorker := fs.Bool("worker", false, "install as background worker")
	stack := fs.Uint("stack", 0, "worker stack size in bytes (0 = default)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	installID, err := parseID(*id)
	if err != nil {
		return err
	}
	e := install.Entry{ID: installID, Name: *name, Image: *image, StackSize: uint32(*stack)}
	if *isWorker {
		e.Kind = install.KindWorker
	}
	if *image != "" {
		size, err := k.FS().Stat(*image)
		if err != nil {
			return err
		}
		e.Size = size
	}
	return k.Install(ctx, e)
}

func runUninstall(ctx context.Context, k *wristcore.Kernel, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: uninstall ID")
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return k.Uninstall(ctx, id)
}

type listEntry struct {
	install.Entry
	Cached        bool   `json:"cached"`
	TotalLaunches uint32 `json:"total_launches,omitempty"`
}

func runList(k *wristcore.Kernel, out io.Writer) error {
	entries, err := k.Installs().List()
	if err != nil {
		return err
	}
	list := make([]listEntry, 0, len(entries))
	for _, e := range entries {
		le := listEntry{Entry: e, Cached: k.Cache().Contains(e.ID)}
		if le.Cached {
			if ce, err := k.Cache().Entry(e.ID); err == nil {
				le.TotalLaunches = ce.TotalLaunches
			}
		}
		list = append(list, le)
	}
	return writeJSON(out, list)
}

// runLaunch launches a worker and keeps the kernel running so crash
// handling and kill retries happen.
func runLaunch(ctx context.Context, k *wristcore.Kernel, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: launch ID")
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	if err := k.LaunchWorker(ctx, id); err != nil {
		return err
	}
	return k.Run(ctx)
}

func runWakeups(k *wristcore.Kernel, out io.Writer) error {
	list, err := k.Wakeups().List()
	if err != nil {
		return err
	}
	if list == nil {
		list = []wakeup.Entry{}
	}
	return writeJSON(out, list)
}

func runSchedule(k *wristcore.Kernel, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	app := fs.String("app", "", "install id")
	in := fs.Duration("in", time.Minute, "delay from now")
	reason := fs.Int("reason", 0, "app-defined reason code")
	notify := fs.Bool("notify-if-missed", false, "deliver even if the device was off")
	if err := fs.Parse(args); err != nil {
		return err
	}
	appID, err := parseID(*app)
	if err != nil {
		return err
	}
	id, err := k.ScheduleWakeup(wakeup.Entry{
		App:            appID,
		At:             time.Now().Add(*in),
		Reason:         int32(*reason),
		NotifyIfMissed: *notify,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%d\n", id)
	return err
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
