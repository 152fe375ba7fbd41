package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/arencloud/nservers/internal/config"
	"github.com/arencloud/nservers/internal/pool"
)

func newLocateCmd() *cobra.Command {
	var (
		cfgPath  string
		replicas int
	)
	cmd := &cobra.Command{
		Use:   "locate KEY",
		Short: "Print the pool server(s) a string key is assigned to",
		Long: `Locate resolves KEY against the pool in the config file without running health
checks: every configured server is considered live.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			log, err := newLogger(io.Discard)
			if err != nil {
				return err
			}
			p, err := pool.New(log, cfg.Pool)
			if err != nil {
				return err
			}
			n := replicas
			if n <= 0 {
				n = p.DefaultReplicas()
			}
			servers, err := p.LocateN(args[0], n)
			if err != nil {
				return err
			}
			for _, s := range servers {
				if s.Addr != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", s.Name, s.Addr)
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), s.Name)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "config/example.yaml", "path to YAML config")
	cmd.Flags().IntVarP(&replicas, "replicas", "n", 0, "number of distinct servers (default from config)")
	return cmd
}
