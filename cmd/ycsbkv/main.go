// Command ycsbkv prepares, cleans and smoke-tests a record store deployment.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/andreyvit/ycsbkv"
)

type globalOptions struct {
	ConfigFile string
	Embedded   string
	Props      map[string]string
	Verbose    bool
}

func (g *globalOptions) register(fs *pflag.FlagSet) {
	fs.StringVarP(&g.ConfigFile, "config", "c", "", "Properties file (default "+ycsbkv.DefaultPropertiesFile+" if present)")
	fs.StringVar(&g.Embedded, "embedded", "", "Use an embedded Bolt store at this path instead of Redis")
	fs.StringToStringVarP(&g.Props, "prop", "p", nil, "Override a property, key=value")
	fs.BoolVarP(&g.Verbose, "verbose", "v", false, "Log debug messages")
}

func (g *globalOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if g.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// backend is an opened store target.
type backend struct {
	cfg   *ycsbkv.Config
	dial  ycsbkv.Dialer
	close func() error
}

func (g *globalOptions) open() (*backend, error) {
	cfg, err := ycsbkv.LoadConfig(g.ConfigFile, g.Props)
	if err != nil {
		return nil, err
	}
	if g.Embedded != "" {
		emb, err := ycsbkv.OpenEmbedded(g.Embedded)
		if err != nil {
			return nil, err
		}
		return &backend{cfg: cfg, dial: emb.Dialer(), close: emb.Close}, nil
	}
	rc := ycsbkv.NewRedisClient(cfg.RedisOptions())
	return &backend{cfg: cfg, dial: rc.Dialer(), close: rc.Close}, nil
}

// withConn runs f with a single direct connection to the backend.
func (b *backend) withConn(ctx context.Context, f func(c ycsbkv.Conn) error) error {
	c, err := b.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return f(c)
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	var g globalOptions
	root := &cobra.Command{
		Use:           "ycsbkv",
		Short:         "Record store tooling for key-value benchmarks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)
	g.register(root.PersistentFlags())

	root.AddCommand(newPrepCmd(&g), newCleanCmd(&g), newSmokeCmd(&g))
	return root
}

func newPrepCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prep",
		Short: "Empty the database and create the search index if the configuration needs one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := g.open()
			if err != nil {
				return err
			}
			defer b.close()
			err = b.withConn(cmd.Context(), func(c ycsbkv.Conn) error {
				return ycsbkv.Prepare(cmd.Context(), c, b.cfg)
			})
			if err != nil {
				return err
			}
			if b.cfg.UsesSearchIndex() {
				fmt.Fprintf(cmd.OutOrStdout(), "prepared %s with index %s\n", b.cfg, b.cfg.SearchIndexDef().Name)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "prepared %s\n", b.cfg)
			}
			return nil
		},
	}
}

func newCleanCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Empty the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := g.open()
			if err != nil {
				return err
			}
			defer b.close()
			err = b.withConn(cmd.Context(), func(c ycsbkv.Conn) error {
				return ycsbkv.Clean(cmd.Context(), c)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleaned %s\n", b.cfg)
			return nil
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ycsbkv: %v\n", err)
		os.Exit(exitCode(err))
	}
}

type exitError int

func (e exitError) Error() string {
	return "exit status " + strconv.Itoa(int(e))
}

func exitCode(err error) int {
	if code, ok := err.(exitError); ok {
		return int(code)
	}
	return 1
}
