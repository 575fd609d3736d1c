package portdiscovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ManagementClient lists a tunnel's ports from the relay service's
// management endpoint using the manage-scope token.
type ManagementClient struct {
	serviceURI string
	tunnelID   string
	clusterID  string
	token      string
	httpClient *http.Client
}

// NewManagementClient builds a client for one tunnel. serviceURI is the
// relay service base; the manage token authorizes port listing only.
func NewManagementClient(serviceURI, tunnelID, clusterID, token string) *ManagementClient {
	return &ManagementClient{
		serviceURI: strings.TrimRight(serviceURI, "/"),
		tunnelID:   tunnelID,
		clusterID:  clusterID,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type managementPort struct {
	PortNumber    int    `json:"portNumber"`
	ForwardingURI string `json:"portForwardingUri"`
	Protocol      string `json:"protocol"`
}

type managementPortList struct {
	Ports []managementPort `json:"ports"`
}

// ListTunnelPorts implements ManagementAPI.
func (c *ManagementClient) ListTunnelPorts(ctx context.Context) ([]TunnelPort, error) {
	u := fmt.Sprintf("%s/tunnels/%s/ports?clusterId=%s",
		c.serviceURI, url.PathEscape(c.tunnelID), url.QueryEscape(c.clusterID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Tunnel "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("management list ports: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("management list ports: status %d", resp.StatusCode)
	}

	var list managementPortList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode port list: %w", err)
	}

	out := make([]TunnelPort, 0, len(list.Ports))
	for _, p := range list.Ports {
		out = append(out, TunnelPort{
			RemotePort:    p.PortNumber,
			ForwardingURI: p.ForwardingURI,
			Protocol:      p.Protocol,
		})
	}
	return out, nil
}
