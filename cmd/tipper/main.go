package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/siherrmann/tipper"
	"github.com/siherrmann/tipper/config"
	"github.com/spf13/cobra"
)

func main() {
	var cfgPath string
	var root = &cobra.Command{
		Use:           "tipper",
		Short:         "Novelty analysis and IOC hunting for threat tippers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config.{json,yaml})")

	root.AddCommand(
		extractCMD(),
		indexCMD(&cfgPath),
		searchCMD(&cfgPath),
		rulesCMD(&cfgPath),
		analyzeCMD(&cfgPath),
		huntCMD(&cfgPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

// open loads the configuration and wires a Tipper
func open(ctx context.Context, cfgPath string, opts ...tipper.Option) (*tipper.Tipper, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	return tipper.New(ctx, cfg, opts...)
}

// readInput returns the content of file, stdin for "-", or args joined
func readInput(file string, args []string) (string, error) {
	switch file {
	case "":
		return strings.Join(args, " "), nil
	case "-":
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	default:
		b, err := os.ReadFile(file)
		return string(b), err
	}
}

func printJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
