package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"modelkeeper/internal/download"
	"modelkeeper/pkg/types"
)

// apiClient calls a running modelkeeper daemon.
type apiClient struct {
	base string
	http *http.Client
}

func (o *rootOptions) client() (*apiClient, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	return &apiClient{base: baseURL(cfg.Addr), http: &http.Client{}}, nil
}

// apiError is a non-2xx daemon response.
type apiError struct {
	Status int
	Kind   string
	Msg    string
}

func (e *apiError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Msg, e.Kind, e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Msg, e.Status)
}

func (c *apiClient) request(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contact daemon at %s: %w", c.base, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er types.ErrorResponse
	if json.Unmarshal(b, &er) == nil && er.Error != "" {
		return &apiError{Status: resp.StatusCode, Kind: er.Kind, Msg: er.Error}
	}
	return &apiError{Status: resp.StatusCode, Msg: strings.TrimSpace(string(b))}
}

// call sends body as JSON (when non-nil) and decodes the response into out
// (when non-nil).
func (c *apiClient) call(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	ct := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd, ct = bytes.NewReader(b), "application/json"
	}
	resp, err := c.request(ctx, method, path, rd, ct)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newModelsCmd(o *rootOptions) *cobra.Command {
	var kind string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List catalogue models and their install state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			path := "/models"
			if kind != "" {
				path += "?kind=" + url.QueryEscape(kind)
			}
			var res types.ModelsResponse
			if err := c.call(cmd.Context(), http.MethodGet, path, nil, &res); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tINSTALLED\tSIZE\tNAME")
			for _, m := range res.Models {
				state := "no"
				switch {
				case m.Downloading:
					state = "downloading"
				case m.Installed:
					state = "yes"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.Kind, state, humanBytes(m.SizeBytes), m.Name)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "only list llama or parakeet models")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON response")
	return cmd
}

func newDownloadCmd(o *rootOptions) *cobra.Command {
	var cancel bool
	cmd := &cobra.Command{
		Use:   "download <model-id>",
		Short: "Download and install a model, printing progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			path := "/models/" + url.PathEscape(args[0]) + "/download"
			if cancel {
				var res types.CancelResponse
				if err := c.call(cmd.Context(), http.MethodDelete, path, nil, &res); err != nil {
					return err
				}
				if !res.Cancelled {
					fmt.Fprintf(cmd.OutOrStdout(), "no active download for %s\n", args[0])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancelled download of %s\n", args[0])
				return nil
			}
			res, err := c.streamDownload(cmd.Context(), path+"?stream=1", cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			switch {
			case res.AlreadyInstalled:
				fmt.Fprintf(cmd.OutOrStdout(), "%s already installed at %s\n", res.ModelID, res.Path)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "installed %s at %s (%s, %d attempt(s))\n", res.ModelID, res.Path, humanBytes(res.Bytes), res.Attempts)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&cancel, "cancel", false, "cancel the active download instead of starting one")
	return cmd
}

// streamDownload reads the NDJSON download stream, reporting progress to
// progress and returning the final result.
func (c *apiClient) streamDownload(ctx context.Context, path string, progress io.Writer) (types.DownloadResponse, error) {
	resp, err := c.request(ctx, http.MethodPost, path, nil, "")
	if err != nil {
		return types.DownloadResponse{}, err
	}
	defer resp.Body.Close()
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	lastPct := -1.0
	for sc.Scan() {
		var line struct {
			Progress *download.Progress      `json:"progress"`
			Error    *types.ErrorResponse    `json:"error"`
			Done     *types.DownloadResponse `json:"done"`
		}
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			return types.DownloadResponse{}, fmt.Errorf("bad stream line %q: %w", sc.Text(), err)
		}
		switch {
		case line.Error != nil:
			if lastPct >= 0 {
				fmt.Fprintln(progress)
			}
			return types.DownloadResponse{}, &apiError{Status: line.Error.Code, Kind: line.Error.Kind, Msg: line.Error.Error}
		case line.Done != nil:
			if lastPct >= 0 {
				fmt.Fprintln(progress)
			}
			return *line.Done, nil
		case line.Progress != nil:
			p := line.Progress
			if p.Percent-lastPct < 1 && p.Percent < 100 {
				continue
			}
			lastPct = p.Percent
			fmt.Fprintf(progress, "\r%5.1f%%  %s / %s", p.Percent, humanBytes(p.Downloaded), humanBytes(p.Total))
		}
	}
	if err := sc.Err(); err != nil {
		return types.DownloadResponse{}, err
	}
	return types.DownloadResponse{}, fmt.Errorf("download stream ended without a result")
}

func newDeleteCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <model-id>",
		Short: "Delete an installed model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			if err := c.call(cmd.Context(), http.MethodDelete, "/models/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newStartCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start <model-id>",
		Short: "Start the backend serving a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			var st types.BackendStatus
			if err := c.call(cmd.Context(), http.MethodPost, "/backends/start", types.StartRequest{Model: args[0]}, &st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s on port %d (pid %d)\n", st.Backend, st.State, st.Port, st.PID)
			return nil
		},
	}
}

func newStopCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "stop <llama|parakeet>",
		Short:     "Stop a backend",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"llama", "parakeet"},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			if err := c.call(cmd.Context(), http.MethodPost, "/backends/"+url.PathEscape(args[0])+"/stop", nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped %s\n", args[0])
			return nil
		},
	}
}

func newStatusCmd(o *rootOptions) *cobra.Command {
	var diag bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show backend and download status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			if diag {
				var d types.DiagnosticsResponse
				if err := c.call(cmd.Context(), http.MethodGet, "/diagnostics", nil, &d); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), d)
			}
			var st types.StatusResponse
			if err := c.call(cmd.Context(), http.MethodGet, "/status", nil, &st); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().BoolVar(&diag, "diagnostics", false, "show binary, tool and disk diagnostics instead")
	return cmd
}

func newInferCmd(o *rootOptions) *cobra.Command {
	var (
		model       string
		prompt      string
		system      string
		maxTokens   int
		temperature float64
	)
	cmd := &cobra.Command{
		Use:   "infer",
		Short: "Run one chat completion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(prompt) == "" {
				return fmt.Errorf("--prompt is required")
			}
			c, err := o.client()
			if err != nil {
				return err
			}
			req := types.InferenceRequest{Model: model, MaxTokens: maxTokens}
			if system != "" {
				req.Messages = append(req.Messages, types.ChatMessage{Role: "system", Content: system})
			}
			req.Messages = append(req.Messages, types.ChatMessage{Role: "user", Content: prompt})
			if cmd.Flags().Changed("temperature") {
				req.Temperature = &temperature
			}
			var res types.InferenceResponse
			if err := c.call(cmd.Context(), http.MethodPost, "/inference", req, &res); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Text)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&model, "model", "", "llama model id (default: the running one)")
	f.StringVar(&prompt, "prompt", "", "user message")
	f.StringVar(&system, "system", "", "optional system message")
	f.IntVar(&maxTokens, "max-tokens", 0, "maximum new tokens (default 512)")
	f.Float64Var(&temperature, "temperature", 0.7, "sampling temperature")
	return cmd
}

func newTranscribeCmd(o *rootOptions) *cobra.Command {
	var model, language string
	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Transcribe an audio file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			audio, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			c, err := o.client()
			if err != nil {
				return err
			}
			q := url.Values{}
			if model != "" {
				q.Set("model", model)
			}
			if language != "" {
				q.Set("language", language)
			}
			path := "/transcribe"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			resp, err := c.request(cmd.Context(), http.MethodPost, path, bytes.NewReader(audio), "application/octet-stream")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			var res types.TranscribeResponse
			if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Text)
			if res.Segments > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s, %d segment(s), %.1fs audio in %s\n",
					res.Language, res.Segments, res.DurationSeconds, time.Duration(res.ElapsedMS)*time.Millisecond)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "speech model id (default: configured parakeet model)")
	cmd.Flags().StringVar(&language, "language", "", "language hint (default auto)")
	return cmd
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
