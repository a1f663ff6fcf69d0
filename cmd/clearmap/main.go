package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := newViper()

	root := &cobra.Command{
		Use:   "clearmap",
		Short: "clearmap - PostGIS to vector tile production",
		Long: `clearmap streams features out of PostGIS relations into tippecanoe and
publishes one tile archive per job. Relations are read through server-side
cursors, so memory stays flat however large a table is.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "Path to the YAML configuration file")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().Int("fetch-size", 0, "Rows read per cursor fetch")
	mustBindPFlag(v, "config", root.PersistentFlags().Lookup("config"))
	mustBindPFlag(v, "log.level", root.PersistentFlags().Lookup("log-level"))
	mustBindPFlag(v, "fetch_size", root.PersistentFlags().Lookup("fetch-size"))

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "clearmap v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})
	root.AddCommand(newRunCmd(v))
	root.AddCommand(newColumnsCmd(v))

	return root
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()
	return v
}
