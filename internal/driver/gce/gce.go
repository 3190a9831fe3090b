// Package gce implements the driver.Driver interface using Google Compute
// Engine, running each ephemeral runner as a VM instance.
//
// Authentication uses Application Default Credentials (ADC).  No credential
// fields exist in Config -- auth is handled by the environment (attached
// service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gce

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/vmpool/internal/driver"
)

// Config holds GCE-specific driver settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where runner VMs are created (required).
	Zone string

	// MachineType is the Compute Engine machine type.
	// Default: "e2-medium".
	MachineType string

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64

	// Network is the VPC network (optional).  Defaults to "default".
	Network string

	// Subnet is the subnetwork (optional).  If empty, the default subnet
	// for the zone is used.
	Subnet string

	// PublicIP controls whether runner VMs get an external IP.
	PublicIP bool

	// ServiceAccount is the GCP service account email to attach to
	// runner VMs (optional).  If empty, the project's default compute
	// service account is used.
	ServiceAccount string
}

// operationWaiter is the slice of *compute.Operation the driver depends on.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the slice of the GCE instances client the driver depends
// on, narrow enough to mock in tests.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	Stop(ctx context.Context, req *computepb.StopInstanceRequest) (operationWaiter, error)
	Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error)
	List(ctx context.Context, req *computepb.ListInstancesRequest) ([]*computepb.Instance, error)
	Close() error
}

// restInstances adapts the real REST client to instancesAPI.
type restInstances struct {
	c *compute.InstancesClient
}

func (r *restInstances) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	return r.c.Insert(ctx, req)
}

func (r *restInstances) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	return r.c.Delete(ctx, req)
}

func (r *restInstances) Stop(ctx context.Context, req *computepb.StopInstanceRequest) (operationWaiter, error) {
	return r.c.Stop(ctx, req)
}

func (r *restInstances) Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	return r.c.Get(ctx, req)
}

func (r *restInstances) List(ctx context.Context, req *computepb.ListInstancesRequest) ([]*computepb.Instance, error) {
	var out []*computepb.Instance
	it := r.c.List(ctx, req)
	for {
		inst, err := it.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
}

func (r *restInstances) Close() error { return r.c.Close() }

// Driver manages runner VMs as GCE instances.
type Driver struct {
	api      instancesAPI
	opCloser io.Closer
	cfg      Config
	logger   *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
}

// Compile-time check that Driver satisfies the driver.Driver interface.
var _ driver.Driver = (*Driver)(nil)

// New creates a GCE driver using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Driver, error) {
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-medium"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 50
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gce instances client: %w", err)
	}

	opClient, err := compute.NewZoneOperationsRESTClient(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("gce zone operations client: %w", err)
	}

	logger.Info("gce driver initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("machine_type", cfg.MachineType),
	)

	return newDriver(&restInstances{c: client}, opClient, cfg, logger), nil
}

// newDriver wires a Driver around an instancesAPI; tests inject mocks here.
func newDriver(api instancesAPI, opCloser io.Closer, cfg Config, logger *slog.Logger) *Driver {
	return &Driver{
		api:      api,
		opCloser: opCloser,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("vmpool/driver/gce"),
	}
}

// Clone creates the VM instance from the base image. GCE has no separate
// clone step, so the instance boots as part of the insert; Start is then a
// no-op for an already-running instance. The registration material travels
// as instance metadata, consumed by the image's startup script.
func (d *Driver) Clone(ctx context.Context, baseImage, name string, cfg driver.RunnerConfig) error {
	ctx, span := d.tracer.Start(ctx, "driver.gce.Clone")
	defer span.End()

	span.SetAttributes(
		attribute.String("vm.name", name),
		attribute.String("gcp.project", d.cfg.Project),
		attribute.String("gcp.zone", d.cfg.Zone),
		attribute.String("gcp.machine_type", d.cfg.MachineType),
	)

	machineType := fmt.Sprintf("zones/%s/machineTypes/%s", d.cfg.Zone, d.cfg.MachineType)

	// Boot disk from the runner base image.
	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(baseImage),
			DiskSizeGb:  proto.Int64(d.cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", d.cfg.Zone)),
		},
	}

	// Network interface.
	networkURL := fmt.Sprintf("global/networks/%s", d.cfg.Network)
	nic := &computepb.NetworkInterface{
		Network: proto.String(networkURL),
	}
	if d.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(d.cfg.Subnet)
	}
	if d.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	instance := &computepb.Instance{
		Name:              proto.String(name),
		MachineType:       proto.String(machineType),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata:          runnerMetadata(cfg),
	}

	// Attach a service account if configured.
	if d.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(d.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}

	d.logger.Info("creating runner VM",
		slog.String("vm", name),
		slog.String("machine_type", d.cfg.MachineType),
		slog.String("zone", d.cfg.Zone),
	)

	op, err := d.api.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          d.cfg.Project,
		Zone:             d.cfg.Zone,
		InstanceResource: instance,
	})
	if err != nil {
		return opErr("clone", name, err)
	}

	span.AddEvent("waiting for GCE operation")
	if err := op.Wait(ctx); err != nil {
		return opErr("clone", name, err)
	}

	d.logger.Info("runner VM created", slog.String("vm", name), slog.String("zone", d.cfg.Zone))
	return nil
}

// Start is a no-op for instances the insert already booted; it only exists
// to satisfy the lifecycle contract and verifies the instance is present.
func (d *Driver) Start(ctx context.Context, name string) error {
	inst, err := d.get(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return opErr("start", name, fmt.Errorf("instance does not exist"))
		}
		return opErr("start", name, err)
	}
	if inst.GetStatus() != "RUNNING" {
		d.logger.Warn("instance not yet running after insert",
			slog.String("vm", name),
			slog.String("status", inst.GetStatus()),
		)
	}
	return nil
}

// WaitForIP polls the instance until a NAT or internal address shows up.
func (d *Driver) WaitForIP(ctx context.Context, name string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)

	for {
		inst, err := d.get(ctx, name)
		if err == nil {
			if ip := instanceIP(inst); ip != "" {
				return ip, nil
			}
		} else if !isNotFound(err) {
			return "", opErr("wait-ip", name, err)
		}

		if time.Now().After(deadline) {
			return "", opErr("wait-ip", name, fmt.Errorf("no address after %s", timeout))
		}
		select {
		case <-ctx.Done():
			return "", opErr("wait-ip", name, ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
}

// Bootstrap is a no-op: the registration material was injected as instance
// metadata during Clone.
func (d *Driver) Bootstrap(context.Context, string) error { return nil }

// IsRunning reports whether the instance exists and has status RUNNING.
func (d *Driver) IsRunning(ctx context.Context, name string) (bool, error) {
	inst, err := d.get(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, opErr("get", name, err)
	}
	return inst.GetStatus() == "RUNNING", nil
}

// Stop powers the instance down. Stopping an instance that no longer exists
// returns nil.
func (d *Driver) Stop(ctx context.Context, name string) error {
	ctx, span := d.tracer.Start(ctx, "driver.gce.Stop")
	defer span.End()
	span.SetAttributes(attribute.String("vm.name", name))

	op, err := d.api.Stop(ctx, &computepb.StopInstanceRequest{
		Project:  d.cfg.Project,
		Zone:     d.cfg.Zone,
		Instance: name,
	})
	if err != nil {
		if isNotFound(err) {
			span.AddEvent("instance already gone (idempotent)")
			return nil
		}
		return opErr("stop", name, err)
	}
	if err := op.Wait(ctx); err != nil {
		if isNotFound(err) {
			return nil
		}
		return opErr("stop", name, err)
	}
	return nil
}

// Delete permanently deletes the instance. Deleting an already-deleted
// instance is not an error, including a 404 surfacing during the operation
// wait (a race between delete and check).
func (d *Driver) Delete(ctx context.Context, name string) error {
	ctx, span := d.tracer.Start(ctx, "driver.gce.Delete")
	defer span.End()

	span.SetAttributes(
		attribute.String("vm.name", name),
		attribute.String("gcp.project", d.cfg.Project),
		attribute.String("gcp.zone", d.cfg.Zone),
	)

	d.logger.Info("deleting runner VM", slog.String("vm", name))

	op, err := d.api.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  d.cfg.Project,
		Zone:     d.cfg.Zone,
		Instance: name,
	})
	if err != nil {
		if isNotFound(err) {
			span.AddEvent("instance already deleted (idempotent)")
			d.logger.Info("runner VM already deleted", slog.String("vm", name))
			return nil
		}
		return opErr("delete", name, err)
	}

	if err := op.Wait(ctx); err != nil {
		if isNotFound(err) {
			span.AddEvent("instance already deleted during wait (idempotent)")
			d.logger.Info("runner VM already deleted", slog.String("vm", name))
			return nil
		}
		return opErr("delete", name, err)
	}

	d.logger.Info("runner VM deleted", slog.String("vm", name))
	return nil
}

// List returns the names of all instances in the configured zone with
// status RUNNING.
func (d *Driver) List(ctx context.Context) ([]string, error) {
	instances, err := d.api.List(ctx, &computepb.ListInstancesRequest{
		Project: d.cfg.Project,
		Zone:    d.cfg.Zone,
	})
	if err != nil {
		return nil, opErr("list", "", err)
	}

	var names []string
	for _, inst := range instances {
		if inst.GetStatus() == "RUNNING" {
			names = append(names, inst.GetName())
		}
	}
	return names, nil
}

// Close releases the underlying API clients.
func (d *Driver) Close() error {
	err := d.api.Close()
	if cerr := d.opCloser.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (d *Driver) get(ctx context.Context, name string) (*computepb.Instance, error) {
	return d.api.Get(ctx, &computepb.GetInstanceRequest{
		Project:  d.cfg.Project,
		Zone:     d.cfg.Zone,
		Instance: name,
	})
}

// runnerMetadata translates the runner configuration into instance metadata
// using the same key contract as the Docker backend's environment, read by
// the base image's startup script.
func runnerMetadata(cfg driver.RunnerConfig) *computepb.Metadata {
	items := []*computepb.Items{
		{Key: proto.String("REPO_URL"), Value: proto.String(cfg.URL)},
		{Key: proto.String("RUNNER_TOKEN"), Value: proto.String(cfg.Token)},
		{Key: proto.String("RUNNER_NAME"), Value: proto.String(cfg.Name)},
		{Key: proto.String("LABELS"), Value: proto.String(strings.Join(cfg.Labels, ","))},
		{Key: proto.String("EPHEMERAL"), Value: proto.String("1")},
	}
	return &computepb.Metadata{Items: items}
}

func instanceIP(inst *computepb.Instance) string {
	for _, nic := range inst.GetNetworkInterfaces() {
		for _, ac := range nic.GetAccessConfigs() {
			if ac.GetNatIP() != "" {
				return ac.GetNatIP()
			}
		}
		if nic.GetNetworkIP() != "" {
			return nic.GetNetworkIP()
		}
	}
	return ""
}

func opErr(op, name string, err error) *driver.OpError {
	return &driver.OpError{Driver: "gce", Op: op, Name: name, Err: err}
}

// isNotFound reports whether err is a "not found" (404) error from the
// GCE API.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	return contains404Pattern(err.Error())
}

// contains404Pattern checks for common 404 patterns in GCE error strings.
// googleapi.Error formats as "googleapi: Error 404: ..." and gRPC status
// as "code = NotFound"; string matching survives library version changes.
func contains404Pattern(s string) bool {
	for _, pattern := range []string{
		"Error 404",
		"code = NotFound",
		"notFound",
	} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}
