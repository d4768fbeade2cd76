// Package gcp implements the engine.Engine interface using Google Cloud
// Compute Engine to run ephemeral test workers as VMs.
//
// Authentication uses Application Default Credentials (ADC). No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/proto"

	"github.com/conveyor-ci/conveyor/internal/engine"
)

// Config holds GCP-specific engine settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where worker VMs are created (required).
	Zone string

	// MachineType is the Compute Engine machine type.
	// Default: "e2-medium".
	MachineType string

	// Image is the full self-link or family URL of the worker image
	// (required). The image carries the build toolchain and the sample
	// repository snapshot; the startup script reads the test parameters
	// from instance metadata.
	Image string

	// DiskSizeGB is the boot disk size in GB. Default: 50.
	DiskSizeGB int64

	// Network is the VPC network (optional). Defaults to "default".
	Network string

	// Subnet is the subnetwork (optional). If empty, the default subnet
	// for the zone is used.
	Subnet string

	// PublicIP controls whether worker VMs get an external IP.
	// Default: true.
	PublicIP bool

	// ServiceAccount is the GCP service account email to attach to
	// worker VMs (optional).
	ServiceAccount string

	// NamePrefix marks VMs managed by this orchestrator so ListWorkers
	// never touches unrelated instances in the project.
	// Default: "ci-worker-".
	NamePrefix string

	// StartupScript is the bootstrap shell script installed as the VM
	// startup-script metadata entry.
	StartupScript string
}

// operationWaiter abstracts the long-running operation handle returned
// by Insert/Delete so tests can complete operations synchronously.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instanceIterator abstracts the paged List response.
type instanceIterator interface {
	Next() (*computepb.Instance, error)
}

// instancesAPI is the seam over *compute.InstancesClient.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	List(ctx context.Context, req *computepb.ListInstancesRequest) instanceIterator
	Close() error
}

// closer is the part of the zone-operations client the engine owns.
type closer interface {
	Close() error
}

// restAdapter wraps the real InstancesClient so it satisfies
// instancesAPI (the concrete client returns *compute.Operation, not an
// interface).
type restAdapter struct {
	client *compute.InstancesClient
}

func (a *restAdapter) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	return a.client.Insert(ctx, req)
}

func (a *restAdapter) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	return a.client.Delete(ctx, req)
}

func (a *restAdapter) List(ctx context.Context, req *computepb.ListInstancesRequest) instanceIterator {
	return a.client.List(ctx, req)
}

func (a *restAdapter) Close() error {
	return a.client.Close()
}

// Engine manages test workers as GCP Compute Engine VMs.
type Engine struct {
	client   instancesAPI
	opClient closer
	cfg      Config
	logger   *slog.Logger

	mu        sync.Mutex
	instances map[string]string // worker name -> instance name

	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a GCP engine using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	opClient, err := compute.NewZoneOperationsRESTClient(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("gcp zone operations client: %w", err)
	}

	logger.Info("gcp engine initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("machine_type", cfg.MachineType),
		slog.String("image", cfg.Image),
	)

	return newEngine(&restAdapter{client: client}, opClient, cfg, logger), nil
}

// newEngine wires an Engine from its seams. Tests use it with mocks.
func newEngine(client instancesAPI, opClient closer, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-medium"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 50
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "ci-worker-"
	}

	return &Engine{
		client:    client,
		opClient:  opClient,
		cfg:       cfg,
		logger:    logger,
		instances: make(map[string]string),
		tracer:    otel.Tracer("conveyor/engine/gcp"),
	}
}

// StartWorker creates and starts a GCP VM that builds the commit under
// test and runs the regression suite. The test parameters are passed
// via instance metadata so the startup script can read them.
func (e *Engine) StartWorker(ctx context.Context, spec engine.WorkerSpec) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.StartWorker")
	defer span.End()

	span.SetAttributes(
		attribute.String("worker.name", spec.Name),
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", e.cfg.Zone),
		attribute.String("gcp.machine_type", e.cfg.MachineType),
	)

	machineType := fmt.Sprintf("zones/%s/machineTypes/%s", e.cfg.Zone, e.cfg.MachineType)

	// Boot disk from the pre-built worker image.
	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(e.cfg.Image),
			DiskSizeGb:  proto.Int64(e.cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", e.cfg.Zone)),
		},
	}

	// Network interface.
	networkURL := fmt.Sprintf("global/networks/%s", e.cfg.Network)
	nic := &computepb.NetworkInterface{
		Network: proto.String(networkURL),
	}
	if e.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(e.cfg.Subnet)
	}
	if e.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	// Instance metadata: pass the test parameters to the startup script.
	metadata := &computepb.Metadata{
		Items: []*computepb.Items{
			{Key: proto.String("REPORT_URL"), Value: proto.String(spec.ReportURL)},
			{Key: proto.String("COMMIT_HASH"), Value: proto.String(spec.CommitHash)},
			{Key: proto.String("BRANCH"), Value: proto.String(spec.Branch)},
			{Key: proto.String("WORKER_TOKEN"), Value: proto.String(spec.Token)},
			{Key: proto.String("PLATFORM"), Value: proto.String(spec.Platform)},
		},
	}
	if e.cfg.StartupScript != "" {
		metadata.Items = append(metadata.Items, &computepb.Items{
			Key:   proto.String("startup-script"),
			Value: proto.String(e.cfg.StartupScript),
		})
	}

	instance := &computepb.Instance{
		Name:              proto.String(spec.Name),
		MachineType:       proto.String(machineType),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata:          metadata,
	}

	// Attach a service account if configured.
	if e.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(e.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}

	e.logger.Info("creating worker VM",
		slog.String("name", spec.Name),
		slog.String("commit", spec.CommitHash),
		slog.String("machine_type", e.cfg.MachineType),
		slog.String("zone", e.cfg.Zone),
	)

	op, err := e.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          e.cfg.Project,
		Zone:             e.cfg.Zone,
		InstanceResource: instance,
	})
	if err != nil {
		return "", fmt.Errorf("insert instance %s: %w", spec.Name, err)
	}

	// Wait for the insert operation to complete.
	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for instance %s: %w", spec.Name, err)
	}

	e.mu.Lock()
	e.instances[spec.Name] = spec.Name
	e.mu.Unlock()

	span.SetAttributes(attribute.String("gcp.instance_name", spec.Name))

	e.logger.Info("worker VM started",
		slog.String("name", spec.Name),
		slog.String("zone", e.cfg.Zone),
	)

	// For GCP, the instance name is the opaque ID.
	return spec.Name, nil
}

// DestroyWorker permanently deletes the VM identified by id.
// It is idempotent -- deleting an already-deleted VM is not an error.
func (e *Engine) DestroyWorker(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.DestroyWorker")
	defer span.End()

	span.SetAttributes(
		attribute.String("gcp.instance_name", id),
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", e.cfg.Zone),
	)

	e.logger.Info("destroying worker VM", slog.String("name", id))

	op, err := e.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: id,
	})
	if err != nil {
		// Treat "not found" as success -- the instance is already gone.
		if isNotFound(err) {
			span.AddEvent("instance already deleted (idempotent)")
			e.logger.Info("worker VM already deleted", slog.String("name", id))
			e.removeFromTracking(id)
			return nil
		}
		return fmt.Errorf("delete instance %s: %w", id, err)
	}

	if err := op.Wait(ctx); err != nil {
		// Also handle 404 during wait -- race between delete and check.
		if isNotFound(err) {
			span.AddEvent("instance already deleted during wait (idempotent)")
			e.logger.Info("worker VM already deleted", slog.String("name", id))
			e.removeFromTracking(id)
			return nil
		}
		return fmt.Errorf("waiting for delete of %s: %w", id, err)
	}

	e.removeFromTracking(id)
	e.logger.Info("worker VM destroyed", slog.String("name", id))

	return nil
}

// ListWorkers returns every live VM whose name carries the managed
// prefix, regardless of which process created it. Ages come from the
// creation timestamp the API reports.
func (e *Engine) ListWorkers(ctx context.Context) ([]engine.WorkerInfo, error) {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.ListWorkers")
	defer span.End()

	it := e.client.List(ctx, &computepb.ListInstancesRequest{
		Project: e.cfg.Project,
		Zone:    e.cfg.Zone,
		Filter:  proto.String(fmt.Sprintf(`name eq "%s.*"`, e.cfg.NamePrefix)),
	})

	var workers []engine.WorkerInfo
	for {
		inst, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing instances: %w", err)
		}
		name := inst.GetName()
		if !strings.HasPrefix(name, e.cfg.NamePrefix) {
			continue
		}
		created, err := time.Parse(time.RFC3339, inst.GetCreationTimestamp())
		if err != nil {
			e.logger.Warn("unparsable creation timestamp",
				slog.String("name", name),
				slog.String("timestamp", inst.GetCreationTimestamp()),
			)
			continue
		}
		workers = append(workers, engine.WorkerInfo{
			ID:      name,
			Name:    name,
			Created: created,
		})
	}

	span.SetAttributes(attribute.Int("gcp.instances_count", len(workers)))
	return workers, nil
}

// Shutdown deletes all VMs currently tracked by this engine instance.
func (e *Engine) Shutdown(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.Shutdown")
	defer span.End()

	e.mu.Lock()
	snapshot := make(map[string]string, len(e.instances))
	for k, v := range e.instances {
		snapshot[k] = v
	}
	e.mu.Unlock()

	span.SetAttributes(attribute.Int("gcp.instances_count", len(snapshot)))

	var firstErr error
	for name, id := range snapshot {
		e.logger.Info("shutdown: deleting worker VM",
			slog.String("name", name),
		)
		if err := e.DestroyWorker(ctx, id); err != nil {
			e.logger.Error("shutdown: failed to delete worker VM",
				slog.String("name", name),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	e.mu.Lock()
	clear(e.instances)
	e.mu.Unlock()

	// Close the API clients.
	if err := e.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.opClient.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// removeFromTracking removes an instance from the tracking map.
func (e *Engine) removeFromTracking(id string) {
	e.mu.Lock()
	for name, instanceID := range e.instances {
		if instanceID == id {
			delete(e.instances, name)
			break
		}
	}
	e.mu.Unlock()
}

// isNotFound reports whether err is a "not found" (404) error from the
// GCP API. The google-cloud-go compute library wraps googleapi.Error
// through several layers; matching the message is more robust than
// type-asserting through all of them.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"Error 404",
		"code = NotFound",
		"notFound",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
