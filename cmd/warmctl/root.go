package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultAPI = "http://localhost:8080"

// newRootCmd builds the command tree. Flags can also be set through
// WARMPATH_API, WARMPATH_TIMEOUT and WARMPATH_JSON.
func newRootCmd(out io.Writer) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("WARMPATH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "warmctl",
		Short:         "warmctl talks to a warmpath API.",
		Long:          `warmctl searches for warm introduction paths, imports people and manages background jobs on a running warmpath API server.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(out)
	root.PersistentFlags().String("api", defaultAPI, "base URL of the warmpath API")
	root.PersistentFlags().Duration("timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().Bool("json", false, "print raw JSON responses")
	_ = v.BindPFlag("api", root.PersistentFlags().Lookup("api"))
	_ = v.BindPFlag("timeout", root.PersistentFlags().Lookup("timeout"))
	_ = v.BindPFlag("json", root.PersistentFlags().Lookup("json"))

	cli := &cli{v: v}
	root.AddCommand(
		newSearchCmd(cli),
		newEnqueueCmd(cli),
		newStatusCmd(cli),
		newImportCmd(cli),
		newClaimCmd(cli),
	)
	return root
}

// cli carries the resolved global settings to subcommands.
type cli struct {
	v *viper.Viper
}

func (c *cli) client() *client {
	return newClient(c.v.GetString("api"), c.v.GetDuration("timeout"))
}

func (c *cli) rawJSON() bool { return c.v.GetBool("json") }

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printf(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format, args...)
}
