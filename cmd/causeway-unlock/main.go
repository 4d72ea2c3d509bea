// Copyright 2026 The Causeway Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/causeway-foundation/causeway/lib/config"
	"github.com/causeway-foundation/causeway/lib/database"
	"github.com/causeway-foundation/causeway/lib/envelope"
	"github.com/causeway-foundation/causeway/lib/identity"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "keygen":
		return runKeygen()
	case "recipient":
		return runRecipient(os.Args[2:])
	case "list":
		return runList(os.Args[2:])
	case "add":
		return runAdd(os.Args[2:])
	case "remove":
		return runRemove(os.Args[2:])
	case "version":
		fmt.Printf("causeway-unlock %s\n", buildVersion())
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", subcommand)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: causeway-unlock <subcommand> [flags]

Subcommands:
  keygen      Generate an age keypair (for operator recovery keys)
  recipient   Print this machine's recipient public key
  list        List registered unlock methods
  add         Register an unlock method (rewraps the master key envelope)
  remove      Remove an unlock method (rewraps for the remaining set)
  version     Print version information

Run 'causeway-unlock <subcommand> --help' for subcommand flags.
`)
}

func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "(devel)"
	}
	return info.Main.Version
}

// runKeygen generates a new age keypair. The public key goes to stdout
// for pasting into 'add --recipient'; the private key goes to stderr
// for safekeeping.
func runKeygen() error {
	keypair, err := envelope.GenerateIdentity()
	if err != nil {
		return fmt.Errorf("generating keypair: %w", err)
	}
	defer keypair.Close()

	fmt.Fprintf(os.Stderr, "# Private key (keep this secret — store securely):\n")
	fmt.Fprintf(os.Stderr, "%s\n", keypair.PrivateKey.String())
	fmt.Fprintf(os.Stdout, "%s\n", keypair.PublicKey)
	return nil
}

// loadConfig builds the effective configuration, from an explicit
// --config path when given.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

// openManager resolves the machine identity and opens the backend
// database. The caller must call Close on the returned manager.
func openManager(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*database.Manager, error) {
	opts := database.Options{
		Config: cfg,
		Logger: logger,
	}
	if cfg.Encryption {
		machineIdentity, err := identity.Resolve(identity.Options{
			Identity:     cfg.Identity,
			IdentityFile: cfg.IdentityFile,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		opts.Identity = machineIdentity
	}
	return database.Open(ctx, opts)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// runRecipient prints the machine's own recipient public key, resolving
// (and on first use provisioning) the machine identity.
func runRecipient(args []string) error {
	flags := pflag.NewFlagSet("recipient", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to a causeway config file")
	flags.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	machineIdentity, err := identity.Resolve(identity.Options{
		Identity:     cfg.Identity,
		IdentityFile: cfg.IdentityFile,
	})
	if err != nil {
		return err
	}
	defer machineIdentity.Close()

	recipient, err := envelope.Recipient(machineIdentity)
	if err != nil {
		return err
	}
	fmt.Println(recipient)
	return nil
}

// runList prints the registered unlock methods, oldest first.
func runList(args []string) error {
	flags := pflag.NewFlagSet("list", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to a causeway config file")
	flags.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	manager, err := openManager(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer manager.Close()

	methods, err := manager.UnlockMethods().List(ctx)
	if err != nil {
		return err
	}
	if len(methods) == 0 {
		fmt.Fprintln(os.Stderr, "no unlock methods registered")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tTITLE\tCREATED\tRECIPIENT")
	for _, method := range methods {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			method.ID,
			method.Meta.Title,
			method.CreatedAt.UTC().Format(time.RFC3339),
			method.Recipient,
		)
	}
	return writer.Flush()
}

// runAdd registers a new unlock method and rewraps the backend master
// key envelope for the expanded recipient set.
func runAdd(args []string) error {
	flags := pflag.NewFlagSet("add", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to a causeway config file")
	recipient := flags.String("recipient", "", "age public key to register (required)")
	title := flags.String("title", "", "human-readable name for the method (required)")
	description := flags.String("description", "", "longer description of the method")
	flags.Parse(args)

	if *recipient == "" || *title == "" {
		flags.Usage()
		return fmt.Errorf("--recipient and --title are required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	manager, err := openManager(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer manager.Close()

	method, err := manager.UnlockMethods().Add(ctx, *recipient, database.MethodMeta{
		Title:       *title,
		Description: *description,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Registered unlock method %s (%s)\n", method.ID, method.Meta.Title)
	return nil
}

// runRemove deletes an unlock method and rewraps the envelope for the
// remaining recipients.
func runRemove(args []string) error {
	flags := pflag.NewFlagSet("remove", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to a causeway config file")
	id := flags.String("id", "", "unlock method id to remove (required)")
	flags.Parse(args)

	if *id == "" {
		flags.Usage()
		return fmt.Errorf("--id is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	manager, err := openManager(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer manager.Close()

	if err := manager.UnlockMethods().Delete(ctx, *id); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Removed unlock method %s\n", *id)
	return nil
}
