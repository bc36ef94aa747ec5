package unifi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/smartroam/internal/httpkit"
)

// Device is an adopted network device from the controller's
// stat/device endpoint. Only fields needed to label BSSIDs are decoded.
type Device struct {
	MAC      string `json:"mac"`
	Name     string `json:"name"`
	Type     string `json:"type"` // "uap" for access points
	Model    string `json:"model"`
	VAPTable []VAP  `json:"vap_table"`
}

// VAP is one virtual access point (SSID on a radio) of a device.
type VAP struct {
	BSSID   string `json:"bssid"`
	ESSID   string `json:"essid"`
	Channel int    `json:"channel"`
	Radio   string `json:"radio"`
	Up      bool   `json:"up"`
}

// Client is a UniFi Network controller API client.
type Client struct {
	baseURL    string
	apiKey     string
	site       string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ APSource = (*Client)(nil)

// NewClient creates a UniFi API client. The URL should include the
// scheme and host (e.g., "https://192.168.1.1"). Authentication uses
// the X-API-KEY header. TLS verification is disabled because UniFi
// controllers typically use self-signed certificates.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		site:    "default",
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithRetry(2, 2*time.Second),
			httpkit.WithTLSInsecureSkipVerify(),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

func (c *Client) sitePath(endpoint string) string {
	return "/proxy/network/api/s/" + c.site + "/" + endpoint
}

// GetDevices retrieves every adopted device on the site.
func (c *Client) GetDevices(ctx context.Context) ([]Device, error) {
	path := c.sitePath("stat/device")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("UniFi API error %d: %s", resp.StatusCode, body)
	}

	var envelope struct {
		Data []Device `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return envelope.Data, nil
}

// ListAPs implements [APSource]. VAPs that are down are skipped. An AP
// without a configured name is labelled with its model and MAC.
func (c *Client) ListAPs(ctx context.Context) ([]APInfo, error) {
	devices, err := c.GetDevices(ctx)
	if err != nil {
		return nil, err
	}

	var aps []APInfo
	for _, d := range devices {
		if d.Type != "" && d.Type != "uap" {
			continue
		}
		name := d.Name
		if name == "" {
			name = strings.TrimSpace(d.Model + " " + strings.ToLower(d.MAC))
		}
		for _, v := range d.VAPTable {
			if !v.Up || v.BSSID == "" {
				continue
			}
			aps = append(aps, APInfo{
				BSSID:   strings.ToLower(v.BSSID),
				Name:    name,
				SSID:    v.ESSID,
				Channel: v.Channel,
				Radio:   v.Radio,
			})
		}
	}
	return aps, nil
}

// Ping checks if the UniFi controller is reachable by requesting the
// site health endpoint. Used by connwatch for health monitoring.
func (c *Client) Ping(ctx context.Context) error {
	path := c.sitePath("stat/health")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-KEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("UniFi API status %d", resp.StatusCode)
	}
	return nil
}
