// devices.go implements the devices subcommands against the gateway's
// admin HTTP API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/owliabot/owlia/internal/config"
	"github.com/owliabot/owlia/pkg/models"
)

type adminClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newAdminClient(baseURL, token string) *adminClient {
	return &adminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// resolveAdminClient builds a client from flags, falling back to the
// config file for whatever the flags leave unset.
func resolveAdminClient(flags *devicesFlags) (*adminClient, error) {
	baseURL := strings.TrimSpace(flags.baseURL)
	token := strings.TrimSpace(flags.token)
	if baseURL != "" && token != "" {
		return newAdminClient(baseURL, token), nil
	}

	cfg, err := config.Load(resolveConfigPath(flags.configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load config (use --url and --token to skip it): %w", err)
	}
	if baseURL == "" {
		if !cfg.Gateway.Enabled {
			return nil, fmt.Errorf("gateway is disabled in %s; pass --url to target a running instance", flags.configPath)
		}
		baseURL = fmt.Sprintf("http://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	if token == "" {
		token = cfg.Gateway.AdminToken
	}
	if token == "" {
		return nil, fmt.Errorf("no admin token available; set gateway.admin_token or pass --token")
	}
	return newAdminClient(baseURL, token), nil
}

type apiEnvelope struct {
	OK   bool            `json:"ok"`
	Data json.RawMessage `json:"data"`
	Err  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *adminClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Gateway-Token", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var envelope apiEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("gateway returned %s with unreadable body", resp.Status)
	}
	if !envelope.OK {
		if envelope.Err != nil {
			return fmt.Errorf("gateway error %s: %s", envelope.Err.Code, envelope.Err.Message)
		}
		return fmt.Errorf("gateway returned %s", resp.Status)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode gateway response: %w", err)
		}
	}
	return nil
}

func runDevicesList(cmd *cobra.Command, flags *devicesFlags) error {
	client, err := resolveAdminClient(flags)
	if err != nil {
		return err
	}

	var data struct {
		Devices []*models.Device         `json:"devices"`
		Pending []*models.PairingRequest `json:"pending"`
	}
	if err := client.do(cmd.Context(), http.MethodGet, "/admin/devices", nil, &data); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(data.Devices) == 0 {
		fmt.Fprintln(out, "No paired devices.")
	} else {
		fmt.Fprintln(out, "Devices:")
		for _, d := range data.Devices {
			line := fmt.Sprintf("  %s  tools=%s system=%t mcp=%t  paired %s",
				d.DeviceID, d.Scope.Tools, d.Scope.System, d.Scope.MCP,
				d.PairedAt.Format(time.RFC3339))
			if d.LastSeenAt != nil {
				line += "  last seen " + d.LastSeenAt.Format(time.RFC3339)
			}
			if d.Revoked() {
				line += "  REVOKED"
			}
			fmt.Fprintln(out, line)
		}
	}

	if len(data.Pending) == 0 {
		fmt.Fprintln(out, "No pending pairing requests.")
		return nil
	}
	fmt.Fprintln(out, "Pending:")
	for _, p := range data.Pending {
		line := fmt.Sprintf("  %s  requested %s", p.DeviceID, p.RequestedAt.Format(time.RFC3339))
		if p.IP != "" {
			line += "  from " + p.IP
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func runDevicesApprove(cmd *cobra.Command, flags *devicesFlags, deviceID, tools string, system, mcp bool) error {
	level := models.SecurityLevel(strings.ToLower(strings.TrimSpace(tools)))
	if !level.Valid() {
		return fmt.Errorf("invalid tools scope %q (want read, write, or sign)", tools)
	}
	client, err := resolveAdminClient(flags)
	if err != nil {
		return err
	}

	body := map[string]any{
		"deviceId": deviceID,
		"scope": models.Scope{
			Tools:  level,
			System: system,
			MCP:    mcp,
		},
	}
	var data struct {
		DeviceToken string       `json:"deviceToken"`
		Scope       models.Scope `json:"scope"`
	}
	if err := client.do(cmd.Context(), http.MethodPost, "/admin/approve", body, &data); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Device %s approved (tools=%s system=%t mcp=%t).\n",
		deviceID, data.Scope.Tools, data.Scope.System, data.Scope.MCP)
	fmt.Fprintf(out, "Device token (shown once): %s\n", data.DeviceToken)
	return nil
}

func runDevicesRevoke(cmd *cobra.Command, flags *devicesFlags, deviceID string) error {
	client, err := resolveAdminClient(flags)
	if err != nil {
		return err
	}
	body := map[string]any{"deviceId": deviceID}
	if err := client.do(cmd.Context(), http.MethodPost, "/admin/revoke", body, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Device %s revoked.\n", deviceID)
	return nil
}

func runDevicesRotate(cmd *cobra.Command, flags *devicesFlags, deviceID string) error {
	client, err := resolveAdminClient(flags)
	if err != nil {
		return err
	}
	body := map[string]any{"deviceId": deviceID}
	var data struct {
		DeviceToken string `json:"deviceToken"`
	}
	if err := client.do(cmd.Context(), http.MethodPost, "/admin/rotate", body, &data); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Device %s token rotated.\n", deviceID)
	fmt.Fprintf(out, "Device token (shown once): %s\n", data.DeviceToken)
	return nil
}
