package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/babelcloud/adaptive-stream/config"
	"github.com/babelcloud/adaptive-stream/internal/netquality"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type ProbeOptions struct {
	URL          string
	Report       bool
	OutputFormat string
}

func NewProbeCommand() *cobra.Command {
	opts := &ProbeOptions{}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Measure bandwidth, latency and packet loss to a server once",
		Long: `Take one network sample against the server's ping and bandwidth probe
endpoints and show the quality level the thresholds pick for it.`,
		Example: `  astream probe
  astream probe --report
  astream probe -u http://10.0.0.5:5000 -o json`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd, opts)
		},
	}

	flags := cmd.Flags()
	addURLFlag(cmd, &opts.URL)
	flags.BoolVar(&opts.Report, "report", false, "Send the sample to the server and show its suggested quality")
	flags.StringVarP(&opts.OutputFormat, "output", "o", "text", "Output format (json or text)")
	cmd.RegisterFlagCompletionFunc("output", fixedCompletion("json", "text"))

	return cmd
}

func runProbe(cmd *cobra.Command, opts *ProbeOptions) error {
	base := serverURL(opts.URL)
	sampler, err := netquality.NewSampler(base, config.GetSamplerConfig(), nil)
	if err != nil {
		return err
	}

	sample := sampler.Sample(cmd.Context())
	local := config.GetThresholds().Classify(sample)

	result := map[string]interface{}{
		"bandwidth":         sample.BandwidthMbps,
		"latency":           sample.LatencyMs,
		"packet_loss":       sample.PacketLossPct,
		"degraded":          sample.Degraded,
		"suggested_quality": local.String(),
	}
	if opts.Report {
		suggested, err := reportSample(cmd.Context(), base, sample)
		if err != nil {
			return err
		}
		result["server_suggested_quality"] = suggested
	}

	out := cmd.OutOrStdout()
	if opts.OutputFormat == "json" {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(out, string(data))
		return nil
	}

	fmt.Fprintf(out, "Bandwidth:   %.2f Mbps\n", sample.BandwidthMbps)
	fmt.Fprintf(out, "Latency:     %.0f ms\n", sample.LatencyMs)
	fmt.Fprintf(out, "Packet loss: %.1f %%\n", sample.PacketLossPct)
	if sample.Degraded {
		fmt.Fprintln(out, color.YellowString("Some probes failed; defaults were substituted."))
	}
	fmt.Fprintf(out, "Suggested:   %s (%s)\n", color.CyanString(local.String()), local.Profile())
	if s, ok := result["server_suggested_quality"]; ok {
		fmt.Fprintf(out, "Server:      %s\n", color.CyanString("%v", s))
	}
	return nil
}

// reportSample posts the sample to the manual metrics endpoint. The server
// records it and answers with its own suggestion.
func reportSample(ctx context.Context, base string, s netquality.Sample) (string, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/manual-metrics", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "failed to report metrics")
	}
	defer resp.Body.Close()

	var reply struct {
		Message          string `json:"message"`
		SuggestedQuality string `json:"suggested_quality"`
	}
	if err := decodeBody(resp.Body, &reply); err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("metrics rejected: %s %s", resp.Status, reply.Message)
	}
	return reply.SuggestedQuality, nil
}
