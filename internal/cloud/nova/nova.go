// Package nova drives OpenStack Compute for live migration, host power
// management and inventory.
package nova

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servers"
	"go.uber.org/zap"

	"github.com/limiquantix/consolidator/internal/cloud"
	"github.com/limiquantix/consolidator/internal/config"
	"github.com/limiquantix/consolidator/internal/domain"
)

// Since microversion 2.47 servers embed their flavor, which is where VM
// allocations are read from.
const microversion = "2.53"

const disabledReason = "consolidator: host suspended"

type server struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Status      string  `json:"status"`
	ComputeHost string  `json:"OS-EXT-SRV-ATTR:host"`
	TaskState   *string `json:"OS-EXT-STS:task_state"`
	Flavor      struct {
		VCPUs int `json:"vcpus"`
		RAM   int `json:"ram"`
	} `json:"flavor"`
}

type hypervisor struct {
	ID       string `json:"id"`
	Hostname string `json:"hypervisor_hostname"`
	Status   string `json:"status"`
	State    string `json:"state"`
	VCPUs    int    `json:"vcpus"`
	MemoryMB int    `json:"memory_mb"`
	Service  struct {
		ID   string `json:"id"`
		Host string `json:"host"`
	} `json:"service"`
}

type computeService struct {
	ID     string `json:"id"`
	Host   string `json:"host"`
	Status string `json:"status"`
}

type serverMigration struct {
	ID     int    `json:"id"`
	Status string `json:"status"`
}

// Driver implements cloud.Platform and cloud.Aborter against Nova.
type Driver struct {
	cfg    config.NovaConfig
	sc     *gophercloud.ServiceClient
	logger *zap.Logger
}

// New authenticates against keystone and locates the compute endpoint.
func New(ctx context.Context, cfg config.NovaConfig, logger *zap.Logger) (*Driver, error) {
	logger = logger.With(zap.String("component", "nova"))
	logger.Info("Authenticating against OpenStack", zap.String("url", cfg.AuthURL))

	authOptions := gophercloud.AuthOptions{
		IdentityEndpoint: cfg.AuthURL,
		Username:         cfg.Username,
		DomainName:       cfg.UserDomainName,
		Password:         cfg.Password,
		AllowReauth:      true,
		Scope: &gophercloud.AuthScope{
			ProjectName: cfg.ProjectName,
			DomainName:  cfg.ProjectDomainName,
		},
	}
	provider, err := openstack.NewClient(authOptions.IdentityEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider client: %w", err)
	}
	if err := openstack.Authenticate(ctx, provider, authOptions); err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}

	availability := cfg.Availability
	if availability == "" {
		availability = string(gophercloud.AvailabilityPublic)
	}
	url, err := provider.EndpointLocator(gophercloud.EndpointOpts{
		Type:         "compute",
		Region:       cfg.Region,
		Availability: gophercloud.Availability(availability),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to locate compute endpoint: %w", err)
	}
	logger.Info("Using nova endpoint", zap.String("url", url))

	return NewWithServiceClient(&gophercloud.ServiceClient{
		ProviderClient: provider,
		Endpoint:       url,
		Type:           "compute",
		Microversion:   microversion,
	}, cfg, logger), nil
}

// NewWithServiceClient wraps an already authenticated compute client.
func NewWithServiceClient(sc *gophercloud.ServiceClient, cfg config.NovaConfig, logger *zap.Logger) *Driver {
	return &Driver{cfg: cfg, sc: sc, logger: logger}
}

// Migrate submits a live migration of vmID to destHostID.
func (d *Driver) Migrate(ctx context.Context, vmID, sourceHostID, destHostID string) (cloud.Handle, error) {
	h := cloud.Handle{
		VMID:              vmID,
		SourceHostID:      sourceHostID,
		DestinationHostID: destHostID,
		SubmittedAt:       time.Now(),
	}
	if d.cfg.DryRun {
		d.logger.Info("Dry run: skipping live migration",
			zap.String("vm_id", vmID),
			zap.String("source_host_id", sourceHostID),
			zap.String("destination_host_id", destHostID),
		)
		return h, nil
	}

	blockMigration := d.cfg.BlockMigration
	opts := servers.LiveMigrateOpts{
		Host:           &destHostID,
		BlockMigration: &blockMigration,
	}
	if err := servers.LiveMigrate(ctx, d.sc, vmID, opts).ExtractErr(); err != nil {
		return h, classify("live migrate "+vmID, err)
	}
	d.logger.Info("Submitted live migration",
		zap.String("vm_id", vmID),
		zap.String("destination_host_id", destHostID),
	)
	return h, nil
}

// PollMigration reads the server and compares its host with the target.
func (d *Driver) PollMigration(ctx context.Context, h cloud.Handle) (cloud.MigrationStatus, error) {
	if d.cfg.DryRun {
		return cloud.MigrationDone, nil
	}
	var s server
	if err := servers.Get(ctx, d.sc, h.VMID).ExtractInto(&s); err != nil {
		return cloud.MigrationPending, classify("get server "+h.VMID, err)
	}
	switch {
	case s.Status == "ERROR":
		return cloud.MigrationFailed, nil
	case s.Status == "MIGRATING" || (s.TaskState != nil && *s.TaskState != ""):
		return cloud.MigrationPending, nil
	case s.ComputeHost == h.DestinationHostID:
		return cloud.MigrationDone, nil
	default:
		// Nova rolled the server back to its source.
		return cloud.MigrationFailed, nil
	}
}

// AbortMigration cancels the in-progress migrations of the server.
func (d *Driver) AbortMigration(ctx context.Context, h cloud.Handle) error {
	if d.cfg.DryRun {
		return nil
	}
	var list struct {
		Migrations []serverMigration `json:"migrations"`
	}
	if err := d.do(ctx, http.MethodGet, "servers/"+h.VMID+"/migrations", nil, &list); err != nil {
		return err
	}
	for _, m := range list.Migrations {
		path := fmt.Sprintf("servers/%s/migrations/%d", h.VMID, m.ID)
		if err := d.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
			return err
		}
		d.logger.Info("Aborted live migration", zap.String("vm_id", h.VMID), zap.Int("migration_id", m.ID))
	}
	return nil
}

// Sleep disables the host's compute service so the scheduler stops using it.
func (d *Driver) Sleep(ctx context.Context, hostID string) error {
	return d.setServiceStatus(ctx, hostID, "disabled")
}

// Wake re-enables the host's compute service.
func (d *Driver) Wake(ctx context.Context, hostID string) error {
	return d.setServiceStatus(ctx, hostID, "enabled")
}

func (d *Driver) setServiceStatus(ctx context.Context, hostID, status string) error {
	if d.cfg.DryRun {
		d.logger.Info("Dry run: skipping compute service update",
			zap.String("host_id", hostID), zap.String("status", status))
		return nil
	}
	var list struct {
		Services []computeService `json:"services"`
	}
	if err := d.do(ctx, http.MethodGet, "os-services?binary=nova-compute&host="+hostID, nil, &list); err != nil {
		return err
	}
	if len(list.Services) == 0 {
		return fmt.Errorf("compute service on %s: %w", hostID, domain.ErrNotFound)
	}
	body := map[string]string{"status": status}
	if status == "disabled" {
		body["disabled_reason"] = disabledReason
	}
	for _, svc := range list.Services {
		if err := d.do(ctx, http.MethodPut, "os-services/"+svc.ID, body, nil); err != nil {
			return err
		}
	}
	return nil
}

// Inventory lists hypervisors and servers across all tenants.
func (d *Driver) Inventory(ctx context.Context) (*cloud.Inventory, error) {
	hypervisors, err := d.listHypervisors(ctx)
	if err != nil {
		return nil, err
	}
	pages, err := servers.List(d.sc, servers.ListOpts{AllTenants: true}).AllPages(ctx)
	if err != nil {
		return nil, classify("list servers", err)
	}
	var data struct {
		Servers []server `json:"servers"`
	}
	if err := pages.(servers.ServerPage).ExtractInto(&data); err != nil {
		return nil, fmt.Errorf("failed to decode servers: %w", err)
	}

	inv := &cloud.Inventory{}
	for _, hv := range hypervisors {
		inv.Hosts = append(inv.Hosts, cloud.HostInfo{
			ID:       hv.Service.Host,
			Hostname: hv.Hostname,
			Capacity: domain.Resources{CPU: float64(hv.VCPUs), Memory: float64(hv.MemoryMB)},
			Disabled: hv.Status == "disabled",
		})
	}
	for _, s := range data.Servers {
		if s.ComputeHost == "" {
			continue
		}
		inv.VMs = append(inv.VMs, cloud.VMInfo{
			ID:         s.ID,
			Name:       s.Name,
			HostID:     s.ComputeHost,
			Allocation: domain.Resources{CPU: float64(s.Flavor.VCPUs), Memory: float64(s.Flavor.RAM)},
		})
	}
	d.logger.Debug("Fetched inventory", zap.Int("hosts", len(inv.Hosts)), zap.Int("vms", len(inv.VMs)))
	return inv, nil
}

// listHypervisors follows pagination links by hand; gophercloud treats the
// hypervisor listing as a single page.
func (d *Driver) listHypervisors(ctx context.Context) ([]hypervisor, error) {
	nextURL := d.sc.Endpoint + "os-hypervisors/detail"
	var hypervisors []hypervisor
	for nextURL != "" {
		var list struct {
			Hypervisors []hypervisor `json:"hypervisors"`
			Links       []struct {
				Rel  string `json:"rel"`
				Href string `json:"href"`
			} `json:"hypervisors_links"`
		}
		if err := d.doURL(ctx, http.MethodGet, nextURL, nil, &list); err != nil {
			return nil, err
		}
		hypervisors = append(hypervisors, list.Hypervisors...)
		nextURL = ""
		for _, link := range list.Links {
			if link.Rel == "next" {
				nextURL = link.Href
				break
			}
		}
	}
	return hypervisors, nil
}

func (d *Driver) do(ctx context.Context, method, path string, body, out any) error {
	return d.doURL(ctx, method, d.sc.Endpoint+path, body, out)
}

func (d *Driver) doURL(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Auth-Token", d.sc.Token())
	req.Header.Set("X-OpenStack-Nova-API-Version", d.sc.Microversion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := d.sc.HTTPClient.Do(req)
	if err != nil {
		return domain.Transient(method+" "+url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		err := fmt.Errorf("%s %s: unexpected status code: %d", method, url, resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return domain.Transient(method+" "+url, err)
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %w", err, domain.ErrNotFound)
		}
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// classify marks gophercloud errors that are worth retrying as transient.
func classify(op string, err error) error {
	var coded interface{ GetStatusCode() int }
	if errors.As(err, &coded) {
		switch code := coded.GetStatusCode(); {
		case code >= 500, code == http.StatusTooManyRequests:
			return domain.Transient(op, err)
		case code == http.StatusNotFound:
			return fmt.Errorf("%s: %w: %w", op, domain.ErrNotFound, err)
		case code == http.StatusConflict:
			return fmt.Errorf("%s: %w: %w", op, domain.ErrConflict, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return domain.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
