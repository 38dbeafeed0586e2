package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"coordline/internal/domain"
	"coordline/internal/events"
)

// DefaultConsensusThreshold applies when neither the request nor the engine
// config names a threshold.
const DefaultConsensusThreshold = 0.66

// CollabStage tags decision events on the bus.
const CollabStage = "collab"

// DecisionCoordinator resolves group decisions among named participants.
type DecisionCoordinator struct {
	Bus              *events.Bus
	Voter            Voter
	DefaultThreshold float64
	Log              *slog.Logger
	Now              func() time.Time
	NewID            func() string
}

type decideFunc func(ctx context.Context, d *DecisionCoordinator, req domain.DecisionRequest) (domain.DecisionResult, error)

var decisionStrategies = map[domain.Strategy]decideFunc{
	domain.SimpleVoting:   simpleVoting,
	domain.WeightedVoting: weightedVoting,
	domain.Consensus:      consensus,
	domain.Delegation:     delegation,
}

// CoordinateDecision validates req, then publishes decision_started, runs the
// strategy and always publishes decision_completed, with consensus_reached
// between the two when a consensus vote carries.
func (d *DecisionCoordinator) CoordinateDecision(ctx context.Context, req domain.DecisionRequest) (domain.DecisionResult, error) {
	decide, err := d.validate(req)
	if err != nil {
		return domain.DecisionResult{}, err
	}
	decisionID := d.newID()
	log := d.log().With("context_id", req.ContextID, "decision_id", decisionID, "strategy", string(req.Strategy))
	log.Info("decision coordination started", "participants", len(req.Participants))

	d.Bus.Publish(domain.Event{
		Type:        domain.EventDecisionStarted,
		ContextID:   req.ContextID,
		Stage:       CollabStage,
		ExecutionID: decisionID,
		Payload: events.EventPayload{
			"decision_id":  decisionID,
			"strategy":     string(req.Strategy),
			"participants": append([]string(nil), req.Participants...),
		},
	})

	res, err := decide(ctx, d, req)
	if err != nil {
		d.Bus.Publish(domain.Event{
			Type:        domain.EventDecisionCompleted,
			ContextID:   req.ContextID,
			Stage:       CollabStage,
			ExecutionID: decisionID,
			Payload:     events.EventPayload{"decision_id": decisionID, "error": err.Error()},
		})
		log.Error("decision coordination failed", "err", err)
		return domain.DecisionResult{}, fmt.Errorf("decision %s: %w", decisionID, err)
	}
	res.DecisionID = decisionID
	res.ContextID = req.ContextID
	res.Strategy = req.Strategy
	res.Timestamp = d.now().UTC()

	if res.ConsensusReached {
		d.Bus.Publish(domain.Event{
			Type:        domain.EventConsensusReached,
			ContextID:   req.ContextID,
			Stage:       CollabStage,
			ExecutionID: decisionID,
			Payload:     res,
		})
	}
	d.Bus.Publish(domain.Event{
		Type:        domain.EventDecisionCompleted,
		ContextID:   req.ContextID,
		Stage:       CollabStage,
		ExecutionID: decisionID,
		Payload:     res,
	})
	log.Info("decision coordination completed", "result", string(res.Result), "consensus_reached", res.ConsensusReached)
	return res, nil
}

func (d *DecisionCoordinator) validate(req domain.DecisionRequest) (decideFunc, error) {
	if len(req.Participants) < 2 {
		return nil, invalid("participants", "at least 2 participants required, got %d", len(req.Participants))
	}
	seen := make(map[string]struct{}, len(req.Participants))
	for _, p := range req.Participants {
		if p == "" {
			return nil, invalid("participants", "participant id must not be empty")
		}
		if _, dup := seen[p]; dup {
			return nil, invalid("participants", "duplicate participant %q", p)
		}
		seen[p] = struct{}{}
	}
	decide, ok := decisionStrategies[req.Strategy]
	if !ok {
		return nil, invalid("strategy", "unknown strategy %q", req.Strategy)
	}
	params := req.Parameters
	if t := params.Threshold; t != nil && (math.IsNaN(*t) || *t <= 0 || *t > 1) {
		return nil, invalid("parameters.threshold", "must be in (0,1], got %v", *t)
	}
	for p, w := range params.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return nil, invalid("parameters.weights", "weight for %q must be a finite number >= 0", p)
		}
	}
	if params.Delegate != "" {
		if _, ok := seen[params.Delegate]; !ok {
			return nil, invalid("parameters.delegate", "%q is not a participant", params.Delegate)
		}
	}
	for p, v := range params.Ballots {
		if _, ok := seen[p]; !ok {
			return nil, invalid("parameters.ballots", "%q is not a participant", p)
		}
		if v != domain.VoteApprove && v != domain.VoteReject {
			return nil, invalid("parameters.ballots", "vote for %q must be approve or reject", p)
		}
	}
	return decide, nil
}

func (d *DecisionCoordinator) ballot(ctx context.Context, req domain.DecisionRequest, participant string) (domain.Vote, error) {
	if v, ok := req.Parameters.Ballots[participant]; ok {
		return v, nil
	}
	voter := d.Voter
	if voter == nil {
		voter = HashVoter{}
	}
	v, err := voter.Vote(ctx, req.ContextID, participant)
	if err != nil {
		return "", fmt.Errorf("vote of %s: %w", participant, err)
	}
	if v != domain.VoteApprove && v != domain.VoteReject {
		return "", fmt.Errorf("vote of %s: unexpected value %q", participant, v)
	}
	return v, nil
}

// collect polls every participant in order and tallies with weight.
func (d *DecisionCoordinator) collect(ctx context.Context, req domain.DecisionRequest, weight func(string) float64) (map[string]domain.Vote, domain.Tally, error) {
	votes := make(map[string]domain.Vote, len(req.Participants))
	var tally domain.Tally
	for _, p := range req.Participants {
		if err := ctx.Err(); err != nil {
			return nil, tally, err
		}
		v, err := d.ballot(ctx, req, p)
		if err != nil {
			return nil, tally, err
		}
		votes[p] = v
		if v == domain.VoteApprove {
			tally.Approvals++
			tally.ApproveWeight += weight(p)
		} else {
			tally.Rejections++
			tally.RejectWeight += weight(p)
		}
	}
	return votes, tally, nil
}

func unitWeight(string) float64 { return 1 }

func outcome(approved bool) domain.Outcome {
	if approved {
		return domain.Approved
	}
	return domain.Rejected
}

func simpleVoting(ctx context.Context, d *DecisionCoordinator, req domain.DecisionRequest) (domain.DecisionResult, error) {
	votes, tally, err := d.collect(ctx, req, unitWeight)
	if err != nil {
		return domain.DecisionResult{}, err
	}
	return domain.DecisionResult{
		Result:            outcome(tally.Approvals*2 > len(req.Participants)),
		ParticipantsVotes: votes,
		Tally:             tally,
	}, nil
}

func weightedVoting(ctx context.Context, d *DecisionCoordinator, req domain.DecisionRequest) (domain.DecisionResult, error) {
	weights := req.Parameters.Weights
	votes, tally, err := d.collect(ctx, req, func(p string) float64 {
		if w, ok := weights[p]; ok {
			return w
		}
		return 1
	})
	if err != nil {
		return domain.DecisionResult{}, err
	}
	return domain.DecisionResult{
		Result:            outcome(tally.ApproveWeight > tally.RejectWeight),
		ParticipantsVotes: votes,
		Tally:             tally,
	}, nil
}

func consensus(ctx context.Context, d *DecisionCoordinator, req domain.DecisionRequest) (domain.DecisionResult, error) {
	threshold := d.DefaultThreshold
	if threshold <= 0 {
		threshold = DefaultConsensusThreshold
	}
	if req.Parameters.Threshold != nil {
		threshold = *req.Parameters.Threshold
	}
	votes, tally, err := d.collect(ctx, req, unitWeight)
	if err != nil {
		return domain.DecisionResult{}, err
	}
	// Small epsilon keeps thresholds like 0.75 of 4 exact under float rounding.
	reached := float64(tally.Approvals) >= threshold*float64(len(req.Participants))-1e-9
	return domain.DecisionResult{
		Result:            outcome(reached),
		ConsensusReached:  reached,
		ParticipantsVotes: votes,
		Tally:             tally,
	}, nil
}

func delegation(ctx context.Context, d *DecisionCoordinator, req domain.DecisionRequest) (domain.DecisionResult, error) {
	delegate := req.Parameters.Delegate
	if delegate == "" {
		delegate = req.Participants[0]
	}
	v, err := d.ballot(ctx, req, delegate)
	if err != nil {
		return domain.DecisionResult{}, err
	}
	votes := make(map[string]domain.Vote, len(req.Participants))
	for _, p := range req.Participants {
		votes[p] = domain.VoteDeferred
	}
	votes[delegate] = v
	var tally domain.Tally
	if v == domain.VoteApprove {
		tally.Approvals, tally.ApproveWeight = 1, 1
	} else {
		tally.Rejections, tally.RejectWeight = 1, 1
	}
	return domain.DecisionResult{
		Result:            outcome(v == domain.VoteApprove),
		ParticipantsVotes: votes,
		Tally:             tally,
	}, nil
}

func (d *DecisionCoordinator) log() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

func (d *DecisionCoordinator) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *DecisionCoordinator) newID() string {
	if d.NewID != nil {
		return d.NewID()
	}
	return uuid.NewString()
}
