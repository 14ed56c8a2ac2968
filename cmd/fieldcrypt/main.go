// Command fieldcrypt administers encrypted fields: it rotates the master
// key, encrypts legacy plaintext, decrypts everything back, reports how much
// data is encrypted and generates new keys.
package main

import (
	"fmt"
	"os"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/coder/serpent"

	"fieldcrypt/config"
)

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	r := newRootCmd()
	if err := r.command().Invoke().WithOS().Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type rootCmd struct {
	verbose bool

	openStore       storeOpener
	openCheckpoints checkpointOpener
	masterKey       keyResolver
}

func newRootCmd() *rootCmd {
	return &rootCmd{
		openStore:       openStore,
		openCheckpoints: openCheckpoints,
		masterKey:       resolveMasterKey,
	}
}

func (r *rootCmd) command() *serpent.Command {
	cmd := &serpent.Command{
		Use:   "fieldcrypt",
		Short: "Manage encrypted sensitive fields.",
		Handler: func(inv *serpent.Invocation) error {
			return inv.Command.HelpHandler(inv)
		},
		Options: serpent.OptionSet{
			{
				Flag:          "verbose",
				FlagShorthand: "v",
				Env:           "FIELDCRYPT_VERBOSE",
				Description:   "Output debug logs.",
				Value:         serpent.BoolOf(&r.verbose),
			},
		},
	}
	cmd.AddSubcommands(
		r.rotateCmd(),
		r.encryptCmd(),
		r.decryptCmd(),
		r.statusCmd(),
		r.keygenCmd(),
		r.selftestCmd(),
	)
	return cmd
}

func (r *rootCmd) logger(inv *serpent.Invocation) slog.Logger {
	logger := slog.Make(sloghuman.Sink(inv.Stderr))
	if r.verbose {
		return logger.Leveled(slog.LevelDebug)
	}
	return logger
}
