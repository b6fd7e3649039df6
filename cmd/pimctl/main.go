// Command pimctl is the admin CLI: migrations, pairing code hashing,
// and key pool inspection against a running pimd.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	dbfs "github.com/pimhq/pim/db"
	"github.com/pimhq/pim/internal/auth"
	"github.com/pimhq/pim/internal/config"
	"github.com/pimhq/pim/internal/db"
	"github.com/pimhq/pim/internal/logger"
	"github.com/pimhq/pim/internal/version"
)

const usage = `pimctl <command> [flags]

Commands:
  migrate up|down|version|force N   run database migrations
  hash-code <code>                  print the bcrypt hash of a pairing code
  keys                              show key pool status (requires -token)
  ping                              check the server is up
  version                           print version
`

type cliOptions struct {
	configPath string
	apiBaseURL string
	token      string
	timeout    time.Duration
}

func main() {
	opts := cliOptions{}
	flag.StringVar(&opts.configPath, "config", "", "path to config.toml (default: CONFIG_PATH env or ./config.toml)")
	flag.StringVar(&opts.apiBaseURL, "api", "", "pimd base URL (default: derived from config server addr)")
	flag.StringVar(&opts.token, "token", "", "device JWT for authenticated commands")
	flag.DurationVar(&opts.timeout, "timeout", 15*time.Second, "HTTP timeout")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if opts.configPath == "" {
		opts.configPath = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)

	if opts.apiBaseURL == "" {
		opts.apiBaseURL = baseURLFromAddr(cfg.Server.Addr)
	}
	opts.apiBaseURL = strings.TrimRight(opts.apiBaseURL, "/")

	switch args[0] {
	case "migrate":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "migrate requires a subcommand: up, down, version, force N")
			os.Exit(2)
		}
		migrationsFS, err := fs.Sub(dbfs.MigrationsFS, "migrations")
		if err != nil {
			fmt.Fprintf(os.Stderr, "migrations: %v\n", err)
			os.Exit(1)
		}
		if err := db.RunMigrate(logger.L, cfg.Postgres, migrationsFS, args[1], args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(1)
		}

	case "hash-code":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "hash-code requires the pairing code argument")
			os.Exit(2)
		}
		hash, err := auth.HashPairingCode(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash-code: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)

	case "keys":
		if err := showKeys(opts); err != nil {
			fmt.Fprintf(os.Stderr, "keys: %v\n", err)
			os.Exit(1)
		}

	case "ping":
		if err := ping(opts); err != nil {
			fmt.Fprintf(os.Stderr, "ping: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("ok")

	case "version":
		fmt.Printf("pimctl %s\n", version.GetInfo())

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
}

func baseURLFromAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "http://127.0.0.1:8080"
	}
	if strings.HasPrefix(addr, ":") {
		return "http://127.0.0.1" + addr
	}
	return "http://" + addr
}

func ping(opts cliOptions) error {
	client := &http.Client{Timeout: opts.timeout}
	resp, err := client.Get(opts.apiBaseURL + "/ping")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}
	return nil
}

func showKeys(opts cliOptions) error {
	if strings.TrimSpace(opts.token) == "" {
		return fmt.Errorf("-token is required")
	}
	req, err := http.NewRequest(http.MethodGet, opts.apiBaseURL+"/keys/status", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+opts.token)

	client := &http.Client{Timeout: opts.timeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var parsed struct {
		Keys []struct {
			Label        string     `json:"label"`
			DayUsed      int        `json:"day_used"`
			DayRemaining int        `json:"day_remaining"`
			Disabled     bool       `json:"disabled"`
			CoolingUntil *time.Time `json:"cooling_until"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return err
	}

	for _, key := range parsed.Keys {
		state := "ok"
		if key.Disabled {
			state = "disabled"
		} else if key.CoolingUntil != nil && key.CoolingUntil.After(time.Now()) {
			state = "cooling until " + key.CoolingUntil.Local().Format(time.Kitchen)
		}
		fmt.Printf("%-12s used %4d  remaining %4d  %s\n", key.Label, key.DayUsed, key.DayRemaining, state)
	}
	return nil
}
