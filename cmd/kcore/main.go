// Command kcore boots a simulated soft-TLB machine, runs user programs on
// it and serves its diagnostics.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/kcore/internal/cli"
	"github.com/orizon-lang/kcore/internal/config"
	"github.com/orizon-lang/kcore/internal/runtime/kernel"
	"github.com/orizon-lang/kcore/internal/runtime/netstack"
	"github.com/orizon-lang/kcore/internal/runtime/vfs"
)

const tool = "kcore"

var commands = []cli.CommandInfo{
	{
		Name:        "run",
		Usage:       "kcore run [-config file] [-v] [-debug] [-serve] [-timeout d] [program [args...]]",
		Description: "boot the machine and run the boot programs, or the given one",
		Examples: []string{
			"kcore run",
			"kcore run -config kcore.json -v /bin/hello a b",
			"kcore run -serve -debug",
		},
	},
	{
		Name:        "stats",
		Usage:       "kcore stats -addr host:port [-path /stats]",
		Description: "fetch diagnostics from a running kernel over HTTP/3",
		Examples:    []string{"kcore stats -addr 127.0.0.1:7443 -path /stats/procs"},
	},
	{
		Name:        "images",
		Usage:       "kcore images -out dir",
		Description: "write the built-in program images to a host directory",
	},
	{
		Name:        "config",
		Usage:       "kcore config [-config file] (-init | -validate | -show)",
		Description: "create, check or print a configuration file",
	},
	{
		Name:        "version",
		Usage:       "kcore version [-json]",
		Description: "show version information",
	},
}

func main() {
	if len(os.Args) < 2 {
		cli.PrintUsage(os.Stderr, tool, "soft-TLB kernel core simulator", commands)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "run":
		err = runCmd(args)
	case "stats":
		err = statsCmd(args)
	case "images":
		err = imagesCmd(args)
	case "config":
		err = configCmd(args)
	case "version":
		fs := flag.NewFlagSet("version", flag.ExitOnError)
		jsonOut := fs.Bool("json", false, "output in JSON format")
		_ = fs.Parse(args)
		cli.PrintVersion(os.Stdout, tool, *jsonOut)
	case "help", "-h", "--help":
		cli.PrintUsage(os.Stdout, tool, "soft-TLB kernel core simulator", commands)
	default:
		cli.PrintUsage(os.Stderr, tool, "soft-TLB kernel core simulator", commands)
		cli.ExitWithCode(2, "unknown command %q", cmd)
	}
	if err != nil {
		cli.ExitWithError("%v", err)
	}
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "kcore.json", "configuration file path")
	verbose := fs.Bool("v", false, "log at info level")
	debug := fs.Bool("debug", false, "log at debug level")
	serve := fs.Bool("serve", false, "keep serving diagnostics after the programs finish")
	timeout := fs.Duration("timeout", time.Minute, "how long to wait for programs to finish")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log, level := cli.NewLogger(os.Stderr, tool, *verbose, *debug)
	if !*verbose && !*debug {
		level.Set(cli.ParseLevel(cfg.LogLevel))
	}

	kc, err := cfg.KernelConfig()
	if err != nil {
		return err
	}
	var fsys vfs.FileSystem = vfs.NewMem()
	if cfg.Programs.Dir != "" {
		fsys = vfs.NewOS(cfg.Programs.Dir)
	}
	k, err := kernel.Boot(kc, kernel.Options{Logger: log, FS: fsys})
	if err != nil {
		return err
	}
	for _, b := range builtins(log) {
		if cfg.Programs.Dir != "" {
			k.RegisterProgram(b.path, b.main)
			continue
		}
		if err := k.Install(b.path, image(b.path), b.main); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Debug.Listen != "" {
		srv, err := startStats(k, cfg.Debug, log)
		if err != nil {
			return err
		}
		defer srv.Stop(context.Background())
	}
	if _, err := os.Stat(*configPath); err == nil {
		go func() {
			err := config.Watch(ctx, *configPath, log, func(c *config.Config) {
				if !*verbose && !*debug {
					level.Set(cli.ParseLevel(c.LogLevel))
				}
			})
			if err != nil {
				log.Warn("config watch stopped", "err", err)
			}
		}()
	}

	boot := cfg.Programs.Boot
	if fs.NArg() > 0 {
		boot = []config.BootProgram{{Path: fs.Arg(0), Args: fs.Args()}}
	}
	var g errgroup.Group
	for _, bp := range boot {
		g.Go(func() error {
			pid, err := k.RunProgram(bp.Path, bp.Args...)
			if err != nil {
				return err
			}
			log.Info("started", "path", bp.Path, "pid", pid)
			return nil
		})
	}
	runErr := g.Wait()

	waitCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	if err := k.WaitIdle(waitCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("waiting for programs: %w", err))
	}
	if cfg.Debug.Listen != "" && *serve {
		log.Warn("programs finished, serving diagnostics until interrupted", "listen", cfg.Debug.Listen)
		<-ctx.Done()
	}

	st := k.Stats()
	log.Info("final state",
		"free_frames", st.Coremap.Free,
		"used_frames", st.Coremap.Used,
		"zombies", st.Procs.Zombies,
		"live", st.Procs.Live,
	)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return errors.Join(runErr, k.Shutdown(shutdownCtx))
}

func startStats(k *kernel.Kernel, dc config.DebugConfig, log *slog.Logger) (*netstack.HTTP3Server, error) {
	var tlsCfg *tls.Config
	var err error
	if dc.CertFile != "" {
		tlsCfg, err = netstack.LoadTLSConfig(dc.CertFile, dc.KeyFile)
	} else {
		tlsCfg, err = netstack.GenerateSelfSignedTLS(dc.Hosts, 24*time.Hour)
	}
	if err != nil {
		return nil, fmt.Errorf("diagnostics tls: %w", err)
	}
	srv := netstack.NewHTTP3Server(dc.Listen, tlsCfg, k.StatsHandler())
	addr, err := srv.Start()
	if err != nil {
		return nil, fmt.Errorf("diagnostics listen on %s: %w", dc.Listen, err)
	}
	log.Info("serving diagnostics over http3", "addr", addr)
	return srv, nil
}

func statsCmd(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:7443", "diagnostics address")
	path := fs.String("path", "/stats", "stats path: /stats, /stats/coremap, /stats/procs or /stats/tlb?cpu=N")
	insecure := fs.Bool("insecure", true, "skip certificate verification (self-signed servers)")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	_ = fs.Parse(args)

	c := netstack.HTTP3Client(&tls.Config{InsecureSkipVerify: *insecure, MinVersion: tls.VersionTLS13}, *timeout)
	defer netstack.ShutdownHTTP3(c)

	var v any
	if err := netstack.FetchJSON(context.Background(), c, "https://"+*addr+*path, &v); err != nil {
		return err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func imagesCmd(args []string) error {
	fs := flag.NewFlagSet("images", flag.ExitOnError)
	out := fs.String("out", "", "host directory to write images into")
	_ = fs.Parse(args)
	if *out == "" {
		return errors.New("images: -out is required")
	}

	dst := vfs.NewOS(*out)
	for _, b := range builtins(slog.Default()) {
		if err := vfs.WriteFile(dst, b.path, image(b.path)); err != nil {
			return fmt.Errorf("images: %w", err)
		}
		fmt.Println(vfs.Join(*out, b.path))
	}
	return nil
}

func configCmd(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	path := fs.String("config", "kcore.json", "configuration file path")
	initCfg := fs.Bool("init", false, "write a default configuration file")
	validate := fs.Bool("validate", false, "validate the configuration file")
	show := fs.Bool("show", false, "print the effective configuration")
	_ = fs.Parse(args)

	switch {
	case *initCfg:
		if _, err := os.Stat(*path); err == nil {
			return fmt.Errorf("configuration file already exists: %s", *path)
		}
		if err := config.Default().Save(*path); err != nil {
			return err
		}
		fmt.Printf("Configuration initialized: %s\n", *path)
	case *validate:
		if _, err := config.Load(*path); err != nil {
			return err
		}
		fmt.Printf("Configuration is valid: %s\n", *path)
	case *show:
		cfg, err := config.Load(*path)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	default:
		fs.Usage()
		return errors.New("config: one of -init, -validate or -show is required")
	}
	return nil
}
