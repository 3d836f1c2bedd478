// Command go-anywhere hosts loadable audio modules: it fetches a module
// catalogue, runs the selected module on the audio device, routes MIDI into
// it and drives a terminal or websocket UI.
//
// Usage:
//
//	go-anywhere [flags]
//	go-anywhere devices
//	go-anywhere config init
package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"go-anywhere/audio"
	"go-anywhere/config"
	"go-anywhere/midi"
)

// options are the flag values. Only flags set on the command line override
// the config file.
type options struct {
	configPath string
	url        string
	port       int
	midi       string
	listMIDI   bool
	ui         string
	listen     string
	backend    string
	debug      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "go-anywhere",
		Short: "Host loadable audio modules",
		Long: `Host loadable audio modules.

The module catalogue (modules.json) and module documents are fetched from
--url. The selected module runs on the audio device, MIDI notes from the
--midi port (and any auto-connect ports in the config) reach it, and the
UI surface shows its parameters.

Configuration is read from ~/.config/go-anywhere/config.yaml.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.listMIDI {
				return listMIDI(cmd)
			}
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	f := root.Flags()
	f.StringVar(&opts.url, "url", "", "module base URL or directory")
	f.IntVar(&opts.port, "port", 0, "port applied to the --url host")
	f.StringVar(&opts.midi, "midi", "", "MIDI input port to open at startup")
	f.BoolVar(&opts.listMIDI, "list-midi", false, "list MIDI input ports and exit")
	f.StringVar(&opts.ui, "ui", "", "UI surface: tui, ws or none")
	f.StringVar(&opts.listen, "listen", "", "websocket and metrics listen address")
	pf := root.PersistentFlags()
	pf.StringVar(&opts.backend, "backend", "", fmt.Sprintf("audio backend %v", audio.Names()))
	pf.StringVar(&opts.configPath, "config", "", "config file (default ~/.config/go-anywhere/config.yaml)")
	pf.BoolVar(&opts.debug, "debug", false, "debug logging")

	root.AddCommand(newDevicesCmd(opts), newConfigCmd(opts))
	return root
}

// load reads the config file and applies the flags that were set.
func (o *options) load(cmd *cobra.Command) (*config.Config, error) {
	path, err := o.path()
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.Modules.BaseURL = o.url
	}
	if flags.Changed("port") {
		cfg.Modules.Port = o.port
	}
	if flags.Changed("midi") {
		cfg.MIDI.Input = o.midi
	}
	if flags.Changed("ui") {
		cfg.UI.Surface = o.ui
	}
	if flags.Changed("listen") {
		cfg.UI.Listen = o.listen
	}
	if flags.Changed("backend") {
		cfg.Audio.Backend = o.backend
	}
	if o.debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *options) path() (string, error) {
	if o.configPath != "" {
		return o.configPath, nil
	}
	return config.ConfigPath()
}

func listMIDI(cmd *cobra.Command) error {
	names, err := midi.NewRouter(midi.GomidiDriver{}, nil).ListInputPorts()
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}

func newDevicesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			backend, err := audio.New(cfg.Audio.Backend)
			if err != nil {
				return err
			}
			defer backend.Terminate()
			return printDevices(cmd, backend)
		},
	}
}

func printDevices(cmd *cobra.Command, backend audio.Backend) error {
	devs, err := backend.Devices()
	if err != nil {
		return err
	}
	defIn, defOut, err := backend.DefaultDevices()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "INDEX\tNAME\tIN\tOUT\tRATE\t\n")
	for _, d := range devs {
		mark := ""
		if d.Index == defIn && d.MaxInputs > 0 {
			mark += " default-in"
		}
		if d.Index == defOut && d.MaxOutputs > 0 {
			mark += " default-out"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%.0f\t%s\n", d.Index, d.Name, d.MaxInputs, d.MaxOutputs, d.DefaultSampleRate, mark)
	}
	return w.Flush()
}

func newConfigCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := opts.path()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists (use --force to overwrite)", path)
			}
			if err := config.DefaultConfig().SaveTo(path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}
