package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"cdr.dev/slog/v3"
	"github.com/coder/serpent"
	"github.com/prometheus/client_golang/prometheus"

	"fieldcrypt/crypto"
	"fieldcrypt/rotation"
)

var errAborted = errors.New("aborted")

func (r *rootCmd) rotateCmd() *serpent.Command {
	var flags rotateFlags
	cmd := &serpent.Command{
		Use:   "rotate",
		Short: "Re-encrypt every sensitive column under a new master key.",
		Handler: func(inv *serpent.Invocation) error {
			ctx, stop := signal.NotifyContext(inv.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := r.logger(inv)

			if err := flags.valid(); err != nil {
				return err
			}
			oldCodec, err := flags.codec(flags.Old, flags.OldVersion)
			if err != nil {
				return fmt.Errorf("old key: %w", err)
			}
			newCodec, err := flags.codec(flags.New, flags.NewVersion)
			if err != nil {
				return fmt.Errorf("new key: %w", err)
			}

			msg := fmt.Sprintf("Data will be decrypted with the old key and re-encrypted with the new key.\n\n- Old key id: %s\n- New key id: %s\n- Tables: %s\n\nRotate encryption keys?",
				oldCodec.KeyID(),
				newCodec.KeyID(),
				tableNames(flags.targets()),
			)
			if err := confirm(inv, flags.Yes || flags.DryRun, msg); err != nil {
				return err
			}
			return r.run(ctx, inv, logger, rotation.ModeRotate, oldCodec, newCodec, flags.storeFlags, flags.runFlags)
		},
	}
	flags.attach(&cmd.Options)
	return cmd
}

func (r *rootCmd) encryptCmd() *serpent.Command {
	var flags keyFlags
	cmd := &serpent.Command{
		Use:   "encrypt",
		Short: "Encrypt sensitive columns that still hold plaintext.",
		Handler: func(inv *serpent.Invocation) error {
			ctx, stop := signal.NotifyContext(inv.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := r.logger(inv)

			codec, err := r.keyCodec(ctx, &flags)
			if err != nil {
				return err
			}
			msg := fmt.Sprintf("Plaintext in %s will be encrypted with key id %s.\n\nContinue?",
				tableNames(flags.targets()), codec.KeyID())
			if err := confirm(inv, flags.Yes || flags.DryRun, msg); err != nil {
				return err
			}
			return r.run(ctx, inv, logger, rotation.ModeEncrypt, nil, codec, flags.storeFlags, flags.runFlags)
		},
	}
	flags.attach(&cmd.Options)
	return cmd
}

func (r *rootCmd) decryptCmd() *serpent.Command {
	var flags keyFlags
	cmd := &serpent.Command{
		Use:   "decrypt",
		Short: "Decrypt every sensitive column back to plaintext.",
		Handler: func(inv *serpent.Invocation) error {
			ctx, stop := signal.NotifyContext(inv.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := r.logger(inv)

			codec, err := r.keyCodec(ctx, &flags)
			if err != nil {
				return err
			}
			msg := fmt.Sprintf("This will decrypt all data in %s encrypted with key id %s. Are you sure you want to continue?",
				tableNames(flags.targets()), codec.KeyID())
			if err := confirm(inv, flags.Yes || flags.DryRun, msg); err != nil {
				return err
			}
			return r.run(ctx, inv, logger, rotation.ModeDecrypt, codec, nil, flags.storeFlags, flags.runFlags)
		},
	}
	flags.attach(&cmd.Options)
	return cmd
}

func (r *rootCmd) statusCmd() *serpent.Command {
	var flags keyFlags
	cmd := &serpent.Command{
		Use:   "status",
		Short: "Count plaintext and encrypted values per column.",
		Handler: func(inv *serpent.Invocation) error {
			ctx, stop := signal.NotifyContext(inv.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			codec, err := r.keyCodec(ctx, &flags)
			if err != nil {
				return err
			}
			store, closeStore, err := r.openStore(ctx, flags.storeFlags)
			if err != nil {
				return err
			}
			defer closeStore()

			census, err := rotation.Census(ctx, store, codec, flags.targets(), int(flags.BatchSize))
			if err != nil {
				return err
			}
			if flags.Output == "json" {
				return writeJSON(inv, census)
			}

			tw := tabwriter.NewWriter(inv.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TABLE\tCOLUMN\tPLAINTEXT\tENCRYPTED\tUNDECRYPTABLE\tSEALED\tLEGACY\tEMPTY")
			for _, tc := range census {
				for _, c := range tc.Columns {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
						tc.Table, c.Column, c.Plaintext, c.Encrypted, c.Undecryptable, c.Sealed, c.Legacy, c.Null+c.Empty)
				}
				fmt.Fprintf(tw, "%s\t*\t\t%.1f%%\t\t\t\t\n", tc.Table, tc.Percent())
			}
			return tw.Flush()
		},
	}
	flags.attach(&cmd.Options)
	return cmd
}

func (*rootCmd) keygenCmd() *serpent.Command {
	var (
		length int64
		envVar string
	)
	cmd := &serpent.Command{
		Use:   "keygen",
		Short: "Generate a random master key.",
		Options: serpent.OptionSet{
			{
				Flag:        "length",
				Default:     fmt.Sprint(crypto.DefaultGeneratedKeyLength),
				Description: "Key length in characters.",
				Value:       serpent.Int64Of(&length),
			},
			{
				Flag:        "env-var",
				Default:     "ENCRYPTION_MASTER_KEY",
				Description: "Variable name printed in front of the key.",
				Value:       serpent.StringOf(&envVar),
			},
		},
		Handler: func(inv *serpent.Invocation) error {
			key, err := crypto.GenerateMasterKey(int(length))
			if err != nil {
				return err
			}
			fmt.Fprintf(inv.Stdout, "%s=%s\n", envVar, key)
			fmt.Fprintf(inv.Stderr, "key id %s, %d characters. Store it in your secret manager, never in the repository.\n",
				crypto.KeyIDFor(key), len(key))
			return nil
		},
	}
	return cmd
}

func (r *rootCmd) selftestCmd() *serpent.Command {
	var (
		key     string
		version string
		codec   codecFlags
	)
	cmd := &serpent.Command{
		Use:   "selftest",
		Short: "Check that a master key round-trips and report its strength.",
		Options: serpent.OptionSet{
			{
				Flag:        "key",
				Env:         "ENCRYPTION_MASTER_KEY",
				Description: "The master key. Fetched from KEY_PROVIDER when empty.",
				Value:       serpent.StringOf(&key),
			},
			{
				Flag:        "key-version",
				Env:         "ENCRYPTION_KEY_VERSION",
				Description: "Key version label of the master key, if it has one.",
				Value:       serpent.StringOf(&version),
			},
		},
		Handler: func(inv *serpent.Invocation) error {
			ctx := inv.Context()
			if key == "" {
				var err error
				if key, err = r.masterKey(ctx); err != nil {
					return err
				}
			}

			strength := crypto.AssessMasterKey(key)
			c, err := codec.codec(key, version)
			if err != nil {
				return err
			}
			if err := crypto.SelfTest(c); err != nil {
				return err
			}

			fmt.Fprintf(inv.Stdout, "self test passed\nkey id: %s\nformat: %s\nlength: %d\n", c.KeyID(), c.Format(), strength.Length)
			if !strength.Strong {
				fmt.Fprintln(inv.Stdout, "warning: key is weak, use at least 52 characters mixing upper, lower, digits and symbols")
			}
			return nil
		},
	}
	codec.attach(&cmd.Options)
	return cmd
}

// keyCodec validates flags and builds the codec of the single key commands.
func (r *rootCmd) keyCodec(ctx context.Context, flags *keyFlags) (*crypto.Codec, error) {
	if err := flags.valid(); err != nil {
		return nil, err
	}
	key := flags.Key
	if key == "" {
		var err error
		if key, err = r.masterKey(ctx); err != nil {
			return nil, fmt.Errorf("fetch master key: %w", err)
		}
	}
	return flags.codec(key, flags.KeyVersion)
}

func (r *rootCmd) run(ctx context.Context, inv *serpent.Invocation, logger slog.Logger, mode rotation.Mode, oldCodec, newCodec crypto.Encrypter, sf storeFlags, rf runFlags) error {
	store, closeStore, err := r.openStore(ctx, sf)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info(ctx, "connected to store", slog.F("store", sf.Backend))

	checkpoints, closeCheckpoints, err := r.openCheckpoints(ctx, rf.RedisURL)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer closeCheckpoints()

	registry := prometheus.NewRegistry()
	opts := []rotation.Option{
		rotation.WithMode(mode),
		rotation.WithLogger(logger),
		rotation.WithBatchSize(int(sf.BatchSize)),
		rotation.WithConcurrency(int(rf.Concurrency)),
		rotation.WithRateLimit(float64(rf.RateLimit)),
		rotation.WithDryRun(rf.DryRun),
		rotation.WithMetrics(rotation.NewMetrics(registry)),
	}
	if checkpoints != nil {
		opts = append(opts, rotation.WithCheckpointer(checkpoints, rf.Job))
	}

	report, err := rotation.New(store, oldCodec, newCodec, opts...).Rotate(ctx, sf.targets())
	if report == nil {
		return err
	}
	if werr := writeReport(inv, rf.Output, report); werr != nil && err == nil {
		err = werr
	}
	if rf.MetricsFile != "" {
		if merr := prometheus.WriteToTextfile(rf.MetricsFile, registry); merr != nil {
			logger.Warn(ctx, "write metrics file", slog.Error(merr))
		}
	}
	if err != nil {
		return fmt.Errorf("%s interrupted: %w", mode, err)
	}
	if report.HasFailures() {
		total := report.Totals()
		return fmt.Errorf("%s finished with %d failed rows and %d failed columns", mode, total.Failed, total.FieldFailures)
	}
	logger.Info(ctx, "operation completed successfully")
	return nil
}

func writeReport(inv *serpent.Invocation, output string, report *rotation.Report) error {
	if output == "json" {
		return writeJSON(inv, report)
	}
	if _, err := fmt.Fprint(inv.Stdout, report.Summary()); err != nil {
		return err
	}
	for _, f := range report.Totals().Failures {
		fmt.Fprintf(inv.Stdout, "  %s\n", f)
	}
	return nil
}

func writeJSON(inv *serpent.Invocation, v any) error {
	enc := json.NewEncoder(inv.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// confirm asks on stdin unless skip is set.
func confirm(inv *serpent.Invocation, skip bool, msg string) error {
	if skip {
		return nil
	}
	fmt.Fprintf(inv.Stdout, "%s [y/N] ", msg)
	line, err := bufio.NewReader(inv.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return errAborted
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return nil
	default:
		return errAborted
	}
}

func tableNames(targets []rotation.Target) string {
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = t.Table
	}
	return strings.Join(names, ", ")
}
