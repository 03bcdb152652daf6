package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/agape-platform/convsync/internal/config"
	"github.com/agape-platform/convsync/internal/daemon"
	"github.com/agape-platform/convsync/internal/lock"
	"github.com/agape-platform/convsync/internal/profile"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	configFlag := flag.String("config", "", "config file path (default ~/.convsync/config.toml)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = profile.ConfigPath()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fail(err)
	}

	name := profile.Resolve(*profileFlag, cfg.DefaultProfile)
	if err := profile.ValidateName(name); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, name, *jsonFlag)
	case "profiles":
		if len(args) >= 2 && args[1] == "list" {
			cmdProfilesList(*jsonFlag)
		} else {
			fmt.Fprintln(os.Stderr, "usage: convsyncctl profiles list")
			os.Exit(1)
		}
	case "config":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: convsyncctl config <show|init>")
			os.Exit(1)
		}
		cmdConfig(cfgPath, cfg, args[1], args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: convsyncctl [--profile <name>] [--config <path>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status           Show daemon and channel health")
	fmt.Fprintln(os.Stderr, "  profiles list    List known profiles")
	fmt.Fprintln(os.Stderr, "  config show      Print the effective config")
	fmt.Fprintln(os.Stderr, "  config init      Write a config file from flags")
}

type statusOutput struct {
	Profile     string     `json:"profile"`
	Daemon      string     `json:"daemon"`
	Channel     string     `json:"channel"`
	LastRefresh *time.Time `json:"last_refresh,omitempty"`
}

func cmdStatus(ctx context.Context, name string, jsonOut bool) {
	conn, err := grpc.NewClient(
		"unix://"+profile.SocketPath(name),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		fail(fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err))
	}
	defer func() { _ = conn.Close() }()

	client := healthpb.NewHealthClient(conn)
	out := statusOutput{Profile: name}
	out.Daemon, err = check(ctx, client, "")
	if err != nil {
		fail(fmt.Errorf("daemon for profile %q is not reachable: %w", name, err))
	}
	out.Channel, err = check(ctx, client, daemon.ChannelService)
	if err != nil {
		fail(err)
	}
	if t, ok, err := daemon.LastRefresh(name); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	} else if ok {
		out.LastRefresh = &t
	}

	if jsonOut {
		outputJSON(out)
		return
	}
	fmt.Printf("Profile: %s\n", out.Profile)
	fmt.Printf("Daemon:  %s\n", out.Daemon)
	fmt.Printf("Channel: %s\n", out.Channel)
	if out.LastRefresh != nil {
		fmt.Printf("Refresh: %s (%s ago)\n", out.LastRefresh.Local().Format(time.DateTime), time.Since(*out.LastRefresh).Round(time.Second))
	} else {
		fmt.Println("Refresh: never")
	}
}

func check(ctx context.Context, client healthpb.HealthClient, service string) (string, error) {
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return "", err
	}
	return resp.GetStatus().String(), nil
}

type profileEntry struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
}

func cmdProfilesList(jsonOut bool) {
	dirs, err := os.ReadDir(filepath.Join(profile.BaseDir(), "profiles"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		fail(err)
	}

	var entries []profileEntry
	for _, d := range dirs {
		if !d.IsDir() || profile.ValidateName(d.Name()) != nil {
			continue
		}
		e := profileEntry{Name: d.Name(), Path: profile.Dir(d.Name())}
		if l, err := lock.Acquire(profile.LockPath(d.Name()), ""); err != nil {
			var held *lock.HeldError
			if errors.As(err, &held) {
				e.Running, e.PID = true, held.PID
			}
		} else {
			_ = l.Release()
		}
		entries = append(entries, e)
	}

	if jsonOut {
		outputJSON(entries)
		return
	}
	if len(entries) == 0 {
		fmt.Println("No profiles found.")
		return
	}
	for _, e := range entries {
		state := "stopped"
		if e.Running {
			state = fmt.Sprintf("running, pid %d", e.PID)
		}
		fmt.Printf("%-20s %s (%s)\n", e.Name, e.Path, state)
	}
}

func cmdConfig(path string, cfg *config.Config, subcmd string, args []string) {
	switch subcmd {
	case "show":
		shown := *cfg
		if shown.APIToken != "" {
			shown.APIToken = "<redacted>"
		}
		if err := toml.NewEncoder(os.Stdout).Encode(shown); err != nil {
			fail(err)
		}
	case "init":
		fs := flag.NewFlagSet("config init", flag.ExitOnError)
		apiURL := fs.String("api-url", cfg.APIURL, "REST API base URL")
		socketURL := fs.String("socket-url", cfg.SocketURL, "realtime websocket URL")
		userID := fs.String("user", cfg.UserID, "local user id")
		token := fs.String("token", cfg.APIToken, "REST API bearer token")
		_ = fs.Parse(args)

		cfg.APIURL, cfg.SocketURL, cfg.UserID, cfg.APIToken = *apiURL, *socketURL, *userID, *token
		if err := cfg.Validate(); err != nil {
			fail(err)
		}
		if err := config.Save(path, cfg); err != nil {
			fail(err)
		}
		fmt.Printf("Wrote %s\n", path)
	default:
		fmt.Fprintf(os.Stderr, "unknown config subcommand: %s\n", subcmd)
		os.Exit(1)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
