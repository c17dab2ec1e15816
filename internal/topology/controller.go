package topology

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/NodePath81/fbping/internal/config"
	"github.com/NodePath81/fbping/internal/pinger"
	"github.com/NodePath81/fbping/internal/util"
	"github.com/NodePath81/fbping/internal/version"
)

const (
	topologyPath   = "/api/getTopology"
	statusDumpPath = "/api/getCtrlStatusDump"

	nodeTypeCN = 1

	maxResponseBytes = 32 << 20
)

type topologyResponse struct {
	Name  string         `json:"name"`
	Nodes []topologyNode `json:"nodes"`
}

type topologyNode struct {
	Name     string `json:"name"`
	MACAddr  string `json:"mac_addr"`
	SiteName string `json:"site_name"`
	NodeType int    `json:"node_type"`
	PopNode  bool   `json:"pop_node"`
}

type statusDump struct {
	StatusReports map[string]statusReport `json:"statusReports"`
}

type statusReport struct {
	IPv6Address string `json:"ipv6Address"`
}

// Controller reads targets from a mesh controller's API service: the node
// list from the topology, each node's address from its status report.
type Controller struct {
	name    string
	baseURL string
	token   string
	client  *http.Client
	logger  util.Logger
}

func NewController(cfg config.ControllerConfig, timeout time.Duration, logger util.Logger) *Controller {
	return &Controller{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("controller", cfg.Name),
	}
}

func (c *Controller) Targets(ctx context.Context) ([]pinger.Target, error) {
	var status statusDump
	if err := c.call(ctx, statusDumpPath, &status); err != nil {
		return nil, err
	}
	var topo topologyResponse
	if err := c.call(ctx, topologyPath, &topo); err != nil {
		return nil, err
	}
	network := topo.Name
	if network == "" {
		network = c.name
	}

	var targets []pinger.Target
	for _, node := range topo.Nodes {
		report, ok := status.StatusReports[node.MACAddr]
		if !ok {
			continue
		}
		ip := strings.TrimSpace(report.IPv6Address)
		if ip == "" {
			continue
		}
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			c.logger.Warn("node reported an invalid address", "node", node.Name, "ip", ip)
			continue
		}
		if !addr.Is6() || addr.Is4In6() {
			c.logger.Debug("skipping ipv4 node address", "node", node.Name, "ip", ip)
			continue
		}
		targets = append(targets, pinger.Target{
			IP:      ip,
			MAC:     node.MACAddr,
			Name:    node.Name,
			Site:    node.SiteName,
			Network: network,
			IsCN:    node.NodeType == nodeTypeCN,
			IsPop:   node.PopNode,
		})
	}
	return targets, nil
}

func (c *Controller) call(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader([]byte("{}")))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "fbping/"+version.Version)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %s", path, resp.Status)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
