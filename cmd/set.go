package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/babelcloud/adaptive-stream/internal/quality"
	"github.com/babelcloud/adaptive-stream/internal/source"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// NewSetCommand creates the 'set' command that drives a running server over
// its HTTP control surface.
func NewSetCommand() *cobra.Command {
	var serverFlag string

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change quality, source or control mode of a running server",
		Example: `  astream set quality high
  astream set source camera
  astream set mode adaptive`,
	}
	cmd.PersistentFlags().StringVarP(&serverFlag, "url", "u", "", "Stream server URL (default from viewer.server_url)")

	type target struct {
		use, short, path string
		values           []string
		parse            func(string) error
	}
	targets := []target{
		{"quality <low|medium|high>", "Set the stream quality", "/api/set-quality/", []string{"low", "medium", "high"},
			func(s string) error { _, err := quality.ParseLevel(s); return err }},
		{"source <camera|video>", "Switch the stream source", "/api/set-source/", []string{"camera", "video"},
			func(s string) error { _, err := source.ParseKind(s); return err }},
		{"mode <manual|adaptive>", "Set the quality control mode", "/api/set-control-mode/", []string{"manual", "adaptive"},
			func(s string) error { _, err := quality.ParseMode(s); return err }},
	}

	for _, t := range targets {
		t := t
		cmd.AddCommand(&cobra.Command{
			Use:               t.use,
			Short:             t.short,
			Args:              cobra.ExactArgs(1),
			SilenceUsage:      true,
			ValidArgsFunction: firstArgCompletion(t.values...),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := t.parse(args[0]); err != nil {
					return err
				}
				msg, err := postCommand(serverURL(serverFlag) + t.path + url.PathEscape(args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), msg)
				return nil
			},
		})
	}

	return cmd
}

// postCommand posts to a control endpoint and summarizes the reply as
// "key=value" pairs.
func postCommand(target string) (string, error) {
	resp, err := httpClient.Post(target, "application/json", nil)
	if err != nil {
		return "", errors.Wrapf(err, "POST %s", target)
	}
	defer resp.Body.Close()

	body := map[string]interface{}{}
	if err := decodeBody(resp.Body, &body); err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("%s: %v", resp.Status, body["message"])
	}

	keys := make([]string, 0, len(body))
	for k := range body {
		if k != "status" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, body[k])
	}
	return strings.Join(parts, " "), nil
}

func decodeBody(r io.Reader, v interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}
	if len(data) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(data, v), "failed to decode response")
}
