package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"mixnet-two-hop-vpn/internal/core"
)

const (
	discoveryFile   = "discovery.json"
	networksSubdir  = "networks"
	discoveryMaxAge = 24 * time.Hour
)

// Discovery is the on-disk network discovery document. It bootstraps the
// directory API endpoints for a named network environment.
type Discovery struct {
	NetworkName string `json:"network_name"`
	NymAPIURL   string `json:"nym_api_url"`
	NymVpnAPIURL string `json:"nym_vpn_api_url"`

	AccountManagement *AccountManagement `json:"account_management,omitempty"`
	FeatureFlags      map[string]string  `json:"feature_flags,omitempty"`
	SystemMessages    []SystemMessage    `json:"system_messages,omitempty"`
}

// AccountManagement points at the account web surfaces.
type AccountManagement struct {
	URL      string `json:"url"`
	SignUp   string `json:"sign_up,omitempty"`
	SignIn   string `json:"sign_in,omitempty"`
	Account  string `json:"account,omitempty"`
}

// SystemMessage is an operator-published notice.
type SystemMessage struct {
	Name        string `json:"name"`
	Message     string `json:"message"`
	DisplayFrom string `json:"display_from,omitempty"`
	DisplayTo   string `json:"display_to,omitempty"`
}

func discoveryPath(configDir, networkName string) string {
	return filepath.Join(configDir, networksSubdir, fmt.Sprintf("%s_%s", networkName, discoveryFile))
}

// discoveryIsStale reports whether the cached file is missing or older than
// the refresh window.
func discoveryIsStale(configDir, networkName string) bool {
	info, err := os.Stat(discoveryPath(configDir, networkName))
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) > discoveryMaxAge
}

// FetchDiscovery downloads the discovery document for a network from the
// wellknown endpoint.
func FetchDiscovery(ctx context.Context, wellknownBase, networkName string) (*Discovery, error) {
	url := fmt.Sprintf("%s/v1/.wellknown/%s/%s", wellknownBase, networkName, discoveryFile)
	core.Log.Infof("Directory", "Fetching network discovery from %s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create discovery request: %w", err)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch discovery from %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery endpoint returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read discovery response: %w", err)
	}

	var d Discovery
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("parse discovery response: %w", err)
	}
	if d.NetworkName != networkName {
		return nil, fmt.Errorf("network name mismatch: requested %q, fetched %q", networkName, d.NetworkName)
	}
	return &d, nil
}

// readDiscoveryFile loads the cached discovery document.
func readDiscoveryFile(configDir, networkName string) (*Discovery, error) {
	data, err := os.ReadFile(discoveryPath(configDir, networkName))
	if err != nil {
		return nil, err
	}
	var d Discovery
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse cached discovery: %w", err)
	}
	return &d, nil
}

// writeDiscoveryFile stores the discovery document in the cache.
func writeDiscoveryFile(configDir string, d *Discovery) error {
	path := discoveryPath(configDir, d.NetworkName)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create discovery dir: %w", err)
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal discovery: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// EnsureDiscovery returns the discovery document for a network, refreshing
// the on-disk cache when it is older than 24 hours. A fetch failure falls
// back to the cached copy when one exists.
func EnsureDiscovery(ctx context.Context, configDir, wellknownBase, networkName string) (*Discovery, error) {
	if !discoveryIsStale(configDir, networkName) {
		return readDiscoveryFile(configDir, networkName)
	}

	d, err := FetchDiscovery(ctx, wellknownBase, networkName)
	if err != nil {
		if cached, readErr := readDiscoveryFile(configDir, networkName); readErr == nil {
			core.Log.Warnf("Directory", "Discovery refresh failed, using cached copy: %v", err)
			return cached, nil
		}
		return nil, err
	}

	if err := writeDiscoveryFile(configDir, d); err != nil {
		core.Log.Warnf("Directory", "Failed to cache discovery: %v", err)
	}
	return d, nil
}
