// Package types carries the initialized client between cobra commands.
package types

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"crmsync/internal/app/client"
)

type envKey struct{}

// Env is what the root command prepares for every subcommand.
type Env struct {
	App  *client.App
	JSON bool
}

func WithEnv(ctx context.Context, env *Env) context.Context {
	return context.WithValue(ctx, envKey{}, env)
}

// From returns the Env stored by the root command.
func From(cmd *cobra.Command) (*Env, error) {
	env, ok := cmd.Context().Value(envKey{}).(*Env)
	if !ok || env.App == nil {
		return nil, errors.New("client is not initialized")
	}
	return env, nil
}

// PrintJSON writes v indented to stdout.
func PrintJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
