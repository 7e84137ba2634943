// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
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
)

const version = "1.0.0"

var (
	apiURL  string
	output  string
	timeout time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pairletctl",
		Short: "Co-presence key agreement CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("PAIRLETCTL_API_URL")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
		SilenceUsage: true,
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set PAIRLETCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(recoveryCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pairletctl version %s\n", version)
		},
	}
}

// keysCmd は鍵操作のサブコマンドをまとめる。
func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect and invalidate device keys",
	}
	cmd.AddCommand(keysListCmd())
	cmd.AddCommand(keysActiveCmd())
	cmd.AddCommand(keysGetCmd())
	cmd.AddCommand(keysInvalidateCmd())
	return cmd
}

// keysListCmd は鍵履歴の取得コマンド。
func keysListCmd() *cobra.Command {
	var deviceID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List key history for a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, devicePath(deviceID, "keys"), nil, http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}

			var result struct {
				Keys []struct {
					Generation         uint    `json:"generation"`
					Status             string  `json:"status"`
					Quality            float64 `json:"quality"`
					ActivatedAt        string  `json:"activated_at"`
					DeactivationReason string  `json:"deactivation_reason"`
				} `json:"keys"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "GENERATION\tSTATUS\tQUALITY\tACTIVATED_AT\tREASON")
			for _, k := range result.Keys {
				reason := k.DeactivationReason
				if reason == "" {
					reason = "-"
				}
				fmt.Fprintf(w, "%d\t%s\t%.3f\t%s\t%s\n", k.Generation, k.Status, k.Quality, k.ActivatedAt, reason)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "Device ID (required)")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

// keysActiveCmd はアクティブ鍵の取得コマンド。
func keysActiveCmd() *cobra.Command {
	var deviceID string
	cmd := &cobra.Command{
		Use:   "active",
		Short: "Get the active key for a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, devicePath(deviceID, "keys", "active"), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printKey(cmd.OutOrStdout(), body)
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "Device ID (required)")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

// keysGetCmd は世代指定の鍵取得コマンド。
func keysGetCmd() *cobra.Command {
	var deviceID string
	var generation uint
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Get a key by generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if generation == 0 {
				return fmt.Errorf("--generation is required")
			}
			body, err := callAPI(http.MethodGet, devicePath(deviceID, "keys", fmt.Sprint(generation)), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printKey(cmd.OutOrStdout(), body)
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "Device ID (required)")
	cmd.Flags().UintVar(&generation, "generation", 0, "Key generation (required)")
	_ = cmd.MarkFlagRequired("device")
	_ = cmd.MarkFlagRequired("generation")
	return cmd
}

// keysInvalidateCmd はアクティブ鍵の失効コマンド。
func keysInvalidateCmd() *cobra.Command {
	var deviceID string
	var reason string
	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Invalidate the active key of a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := json.Marshal(map[string]string{"reason": reason})
			if err != nil {
				return fmt.Errorf("encoding request: %w", err)
			}
			body, err := callAPI(http.MethodPost, devicePath(deviceID, "keys", "invalidate"), payload, http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}

			var result struct {
				Generation uint `json:"generation"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Invalidated key for device %q (generation: %d)\n", deviceID, result.Generation)
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "Device ID (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason for invalidation (required)")
	_ = cmd.MarkFlagRequired("device")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

// recoveryCmd は鍵復旧状態の取得コマンド。
func recoveryCmd() *cobra.Command {
	var deviceID string
	cmd := &cobra.Command{
		Use:   "recovery",
		Short: "Show key recovery status for a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, devicePath(deviceID, "recovery"), nil, http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}

			var result struct {
				Status      string `json:"status"`
				Attempts    int    `json:"attempts"`
				MaxAttempts int    `json:"max_attempts"`
				LockedOut   bool   `json:"locked_out"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recovery %s (attempts: %d/%d, locked out: %t)\n",
				result.Status, result.Attempts, result.MaxAttempts, result.LockedOut)
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "Device ID (required)")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func devicePath(deviceID string, parts ...string) string {
	segments := append([]string{"v1", "devices", url.PathEscape(deviceID)}, parts...)
	return "/" + strings.Join(segments, "/")
}

// callAPI はAPIを呼び出し、want 以外のステータスはエラーとして返す。
func callAPI(method, path string, payload []byte, want int) ([]byte, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("--api-url is required (or set PAIRLETCTL_API_URL)")
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, strings.TrimRight(apiURL, "/")+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != want {
		return nil, handleErrorResponse(resp.StatusCode, body)
	}
	return body, nil
}

func printKey(w io.Writer, body []byte) error {
	if output == "json" {
		fmt.Fprintln(w, string(body))
		return nil
	}
	var result struct {
		Generation uint   `json:"generation"`
		Key        string `json:"key"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Fprintf(w, "%d\t%s\n", result.Generation, result.Key)
	return nil
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("error: %s (%s)", errResp.Message, errResp.Code)
	}
	return fmt.Errorf("error: server returned status %d", statusCode)
}
