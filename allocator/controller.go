package allocator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hw-allocation-broker/metrics"
	"hw-allocation-broker/rm"

	"github.com/rs/zerolog/log"
)

// RMClient is the slice of the dispatch protocol the controller drives.
type RMClient interface {
	Probe(ctx context.Context, endpoint string, demands json.RawMessage) error
	Commit(ctx context.Context, endpoint string, demands json.RawMessage) (*rm.CommitResult, error)
	Release(ctx context.Context, endpoint, resourceName string) error
	Status(ctx context.Context, endpoint, allocationID string) (json.RawMessage, error)
}

// Controller runs the allocation lifecycle: persist the request, probe the
// candidate resource managers, commit with exactly one winner, record the
// outcome. Every dispatch ends in a terminal status; nothing is left in
// received except by process death.
type Controller struct {
	registry *Registry
	client   RMClient
}

func NewController(registry *Registry, client RMClient) *Controller {
	return &Controller{registry: registry, client: client}
}

// Dispatch drives one allocation request to a terminal state. The record is
// created with status received before any RM contact so it is observable even
// if dispatch stalls. Candidate order is the iteration order of the snapshot,
// which is deliberately unordered.
//
// Probing is first-success-wins: the first candidate that answers feasible
// becomes the sole commit target and remaining candidates are never probed,
// so an abandoned candidate can never trigger a second commit. An unreachable
// candidate is a connectivity failure, a rejection is an RM-level refusal;
// both move evaluation to the next candidate but they are distinct outcomes.
// There is no fallback to another candidate after a commit failure.
func (c *Controller) Dispatch(ctx context.Context, req *AllocationRequest, candidates map[string]rm.Descriptor) (*AllocationRecord, error) {
	start := time.Now()
	log.Info().Str("allocationId", req.AllocationID).Int("candidates", len(candidates)).Msg("controller: dispatching allocation request")

	if _, err := c.registry.Create(ctx, req); err != nil {
		return nil, err
	}

	winner := c.probe(ctx, req, candidates)
	if winner == nil {
		log.Warn().Str("allocationId", req.AllocationID).Msg("controller: no resource manager can fulfill the demands")
		return c.recordFailure(ctx, req.AllocationID, start, errNoManager)
	}

	result, err := c.client.Commit(ctx, winner.Endpoint, req.Demands)
	if err != nil {
		log.Error().Err(err).Str("allocationId", req.AllocationID).Str("endpoint", winner.Endpoint).Msg("controller: commit failed")
		return c.recordFailure(ctx, req.AllocationID, start, err)
	}

	details := hardwareFromCommit(result, winner.Endpoint)
	status := StatusSuccess
	rec, err := c.registry.Update(ctx, req.AllocationID, RecordUpdate{
		Status:          &status,
		ResourceManager: &winner.Endpoint,
		HardwareDetails: details,
		Result:          result.Raw,
	})
	if err != nil {
		return nil, err
	}

	duration := time.Since(start)
	metrics.AllocationDuration.Observe(duration.Seconds())
	metrics.AllocationsTotal.WithLabelValues(StatusSuccess).Inc()
	log.Info().Str("allocationId", req.AllocationID).Str("endpoint", winner.Endpoint).Int("machines", len(details)).Dur("duration", duration).Msg("controller: allocation successful")
	return rec, nil
}

// probe evaluates candidates until one answers feasible. Returns nil when
// every candidate is unreachable or rejects the demands.
func (c *Controller) probe(ctx context.Context, req *AllocationRequest, candidates map[string]rm.Descriptor) *rm.Descriptor {
	for name, cand := range candidates {
		err := c.client.Probe(ctx, cand.Endpoint, req.Demands)
		if err == nil {
			metrics.ProbesTotal.WithLabelValues("ok").Inc()
			log.Info().Str("allocationId", req.AllocationID).Str("manager", name).Str("endpoint", cand.Endpoint).Msg("controller: probe accepted")
			return &cand
		}
		var unreachable *rm.UnreachableError
		if errors.As(err, &unreachable) {
			metrics.ProbesTotal.WithLabelValues("unreachable").Inc()
			log.Error().Err(err).Str("allocationId", req.AllocationID).Str("manager", name).Msg("controller: resource manager unreachable")
			continue
		}
		metrics.ProbesTotal.WithLabelValues("rejected").Inc()
		log.Info().Err(err).Str("allocationId", req.AllocationID).Str("manager", name).Msg("controller: probe rejected")
	}
	return nil
}

// Release asks the committed resource manager to deallocate every machine of
// a successful allocation, then prunes the hardware fields from the record.
func (c *Controller) Release(ctx context.Context, allocationID string) error {
	rec, err := c.registry.Get(ctx, allocationID)
	if err != nil {
		return err
	}
	if rec.Status != StatusSuccess || rec.ResourceManager == "" {
		return fmt.Errorf("allocation %s has no committed resource manager", allocationID)
	}
	for _, hw := range rec.HardwareDetails {
		if err := c.client.Release(ctx, rec.ResourceManager, hw.VMID); err != nil {
			return err
		}
		log.Info().Str("allocationId", allocationID).Str("vmId", hw.VMID).Msg("controller: released machine")
	}
	return c.registry.Prune(ctx, allocationID, "hardware_details", "result")
}

// Reconcile fetches the RM-side view of a committed allocation. It does not
// mutate the record; callers compare the snapshot against the stored state.
func (c *Controller) Reconcile(ctx context.Context, allocationID string) (json.RawMessage, error) {
	rec, err := c.registry.Get(ctx, allocationID)
	if err != nil {
		return nil, err
	}
	if rec.ResourceManager == "" {
		return nil, fmt.Errorf("allocation %s has no committed resource manager", allocationID)
	}
	return c.client.Status(ctx, rec.ResourceManager, allocationID)
}

var errNoManager = errors.New("no resource manager available")

// recordFailure persists the terminal failed state with the failure detail in
// the result field, plus metrics.
func (c *Controller) recordFailure(ctx context.Context, allocationID string, start time.Time, cause error) (*AllocationRecord, error) {
	status := StatusFailed
	rec, err := c.registry.Update(ctx, allocationID, RecordUpdate{
		Status: &status,
		Result: failureResult(cause),
	})
	if err != nil {
		return nil, err
	}
	duration := time.Since(start)
	metrics.AllocationDuration.Observe(duration.Seconds())
	metrics.AllocationsTotal.WithLabelValues(StatusFailed).Inc()
	return rec, nil
}

// failureResult keeps the RM's own error body when it is valid JSON,
// otherwise wraps the error text.
func failureResult(cause error) json.RawMessage {
	var rejected *rm.RejectedError
	if errors.As(cause, &rejected) && json.Valid(rejected.Body) {
		return json.RawMessage(rejected.Body)
	}
	b, _ := json.Marshal(map[string]string{"error": cause.Error()})
	return b
}

// hardwareFromCommit maps the RM machine list onto hardware details. The ip
// is the address of the machine's first network interface; credential fields
// pass through verbatim and default to empty when the RM omits them.
func hardwareFromCommit(result *rm.CommitResult, endpoint string) []HardwareDetail {
	details := make([]HardwareDetail, 0, len(result.Info))
	for _, m := range result.Info {
		d := HardwareDetail{
			User:              m.User,
			Password:          m.Password,
			PemKeyString:      m.PemKeyString,
			KeyfilePath:       m.KeyFilePath,
			ResourceManagerEP: endpoint,
			VMID:              m.Name,
		}
		if len(m.NetIfaces) > 0 {
			d.IP = m.NetIfaces[0].IP
		}
		details = append(details, d)
	}
	return details
}
