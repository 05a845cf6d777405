package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	daemonBase string
	natsURL    string
	logger     *zap.Logger
)

func main() {
	logger, _ = zap.NewDevelopment()
	defer logger.Sync()

	root := &cobra.Command{
		Use:           "lcrctl",
		Short:         "Operator CLI for the lcrd measurement daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&daemonBase, "addr", "http://localhost:8080", "lcrd base URL")
	root.PersistentFlags().StringVar(&natsURL, "nats", "", "NATS URL for CLI event echo (optional)")

	root.AddCommand(pingCmd(), measureCmd(), confirmCmd(), recentCmd(), samplesCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check the daemon is up",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/ping")
		},
	}
}

func measureCmd() *cobra.Command {
	var (
		sample    string
		tester    string
		mode      string
		frequency float64
		voltage   float64
		timeoutMS int
	)
	cmd := &cobra.Command{
		Use:   "measure",
		Short: "Run one measurement on the instrument",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"sample_name": sample,
				"tester":      tester,
			}
			if mode != "" {
				body["mode"] = mode
			}
			if frequency > 0 {
				body["frequency_hz"] = frequency
			}
			if voltage > 0 {
				body["voltage_v"] = voltage
			}
			if timeoutMS > 0 {
				body["timeout_ms"] = timeoutMS
			}
			if err := postJSON("/measure", body); err != nil {
				return err
			}
			publishCLIEvent(map[string]any{"event": "cli.measure", "sample_name": sample, "tester": tester})
			return nil
		},
	}
	cmd.Flags().StringVar(&sample, "sample", "", "sample name")
	cmd.Flags().StringVar(&tester, "tester", "", "operator name")
	cmd.Flags().StringVar(&mode, "mode", "", "test mode (ls-rs, cs-rs, cp-rp, resistance)")
	cmd.Flags().Float64Var(&frequency, "frequency", 0, "measurement frequency in Hz")
	cmd.Flags().Float64Var(&voltage, "voltage", 0, "test voltage in V")
	cmd.Flags().IntVar(&timeoutMS, "timeout-ms", 0, "instrument timeout in milliseconds")
	_ = cmd.MarkFlagRequired("sample")
	_ = cmd.MarkFlagRequired("tester")
	return cmd
}

func confirmCmd() *cobra.Command {
	var (
		targets   []string
		confirmed bool
	)
	cmd := &cobra.Command{
		Use:   "confirm ID",
		Short: "Persist a journaled measurement to the selected sinks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/measurements/"+args[0]+"/persist", map[string]any{
				"targets":   targets,
				"confirmed": confirmed,
			})
		},
	}
	cmd.Flags().StringSliceVar(&targets, "targets", []string{"database"}, "sinks to write (database, spreadsheet, notion)")
	cmd.Flags().BoolVar(&confirmed, "confirm", false, "override a flagged verdict")
	return cmd
}

func recentCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Show recent measurements from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(fmt.Sprintf("/measurements/recent?limit=%d", limit))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of measurements to show")
	return cmd
}

func samplesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "samples",
		Short: "List known sample names",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/samples")
		},
	}
}

func getJSON(path string) error {
	resp, err := http.Get(daemonBase + path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func postJSON(path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(daemonBase+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	return nil
}

// publishCLIEvent mirrors the daemon's event stream with a CLI-side echo,
// best effort only.
func publishCLIEvent(ev map[string]any) {
	if natsURL == "" {
		return
	}
	nc, err := nats.Connect(natsURL)
	if err != nil {
		logger.Debug("nats connect failed", zap.Error(err))
		return
	}
	defer nc.Drain()
	payload, _ := json.Marshal(ev)
	if err := nc.Publish("cli.events", payload); err != nil {
		logger.Debug("nats publish failed", zap.Error(err))
	}
}
