package engine_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"coordline/internal/domain"
	"coordline/internal/engine"
	"coordline/internal/events"
	"coordline/internal/logx"
)

func newDecisions(voter engine.Voter) (*engine.DecisionCoordinator, *events.Bus) {
	bus := events.NewBus(0)
	return &engine.DecisionCoordinator{Bus: bus, Voter: voter, Log: logx.Discard()}, bus
}

func threshold(v float64) *float64 { return &v }

func TestDecisionRejectsTooFewParticipants(t *testing.T) {
	d, bus := newDecisions(nil)
	for _, participants := range [][]string{nil, {"solo"}} {
		_, err := d.CoordinateDecision(context.Background(), domain.DecisionRequest{
			ContextID:    "ctx",
			Participants: participants,
			Strategy:     domain.SimpleVoting,
		})
		if !errors.Is(err, engine.ErrValidation) {
			t.Fatalf("participants %v: expected validation error, got %v", participants, err)
		}
	}
	if n := len(bus.History()); n != 0 {
		t.Fatalf("expected no events, got %d", n)
	}
}

func TestDecisionRejectsBadRequests(t *testing.T) {
	d, bus := newDecisions(nil)
	cases := map[string]domain.DecisionRequest{
		"unknown strategy": {ContextID: "c", Participants: []string{"a", "b"}, Strategy: "coin_flip"},
		"duplicate":        {ContextID: "c", Participants: []string{"a", "a"}, Strategy: domain.SimpleVoting},
		"threshold":        {ContextID: "c", Participants: []string{"a", "b"}, Strategy: domain.Consensus, Parameters: domain.DecisionParameters{Threshold: threshold(1.5)}},
		"delegate":         {ContextID: "c", Participants: []string{"a", "b"}, Strategy: domain.Delegation, Parameters: domain.DecisionParameters{Delegate: "z"}},
		"weight":           {ContextID: "c", Participants: []string{"a", "b"}, Strategy: domain.WeightedVoting, Parameters: domain.DecisionParameters{Weights: map[string]float64{"a": -1}}},
		"nan threshold":    {ContextID: "c", Participants: []string{"a", "b"}, Strategy: domain.Consensus, Parameters: domain.DecisionParameters{Threshold: threshold(math.NaN())}},
		"nan weight":       {ContextID: "c", Participants: []string{"a", "b"}, Strategy: domain.WeightedVoting, Parameters: domain.DecisionParameters{Weights: map[string]float64{"a": math.NaN()}}},
		"infinite weight":  {ContextID: "c", Participants: []string{"a", "b"}, Strategy: domain.WeightedVoting, Parameters: domain.DecisionParameters{Weights: map[string]float64{"b": math.Inf(1)}}},
		"ballot":           {ContextID: "c", Participants: []string{"a", "b"}, Strategy: domain.SimpleVoting, Parameters: domain.DecisionParameters{Ballots: map[string]domain.Vote{"a": "maybe"}}},
	}
	for name, req := range cases {
		if _, err := d.CoordinateDecision(context.Background(), req); !errors.Is(err, engine.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
	if n := len(bus.History()); n != 0 {
		t.Fatalf("expected no events, got %d", n)
	}
}

func TestSimpleVotingRecordsEveryParticipant(t *testing.T) {
	d, _ := newDecisions(engine.HashVoter{Salt: "test"})
	participants := []string{"ana", "ben", "cy", "dee", "eli"}
	res, err := d.CoordinateDecision(context.Background(), domain.DecisionRequest{
		ContextID:    "ctx",
		Participants: participants,
		Strategy:     domain.SimpleVoting,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if len(res.ParticipantsVotes) != len(participants) {
		t.Fatalf("expected %d votes, got %v", len(participants), res.ParticipantsVotes)
	}
	approvals := 0
	for _, p := range participants {
		v, ok := res.ParticipantsVotes[p]
		if !ok {
			t.Fatalf("missing vote for %s", p)
		}
		if v == domain.VoteApprove {
			approvals++
		}
	}
	want := domain.Rejected
	if approvals*2 > len(participants) {
		want = domain.Approved
	}
	if res.Result != want || res.Tally.Approvals != approvals {
		t.Fatalf("result %s with %d approvals, tally %+v", res.Result, approvals, res.Tally)
	}
	if res.DecisionID == "" || res.ContextID != "ctx" || res.Strategy != domain.SimpleVoting {
		t.Fatalf("result not stamped: %+v", res)
	}
}

func TestHashVoterIsDeterministic(t *testing.T) {
	v := engine.HashVoter{Salt: "s"}
	for _, p := range []string{"a", "b", "c", "d"} {
		first, _ := v.Vote(context.Background(), "ctx", p)
		second, _ := v.Vote(context.Background(), "ctx", p)
		if first != second {
			t.Fatalf("vote for %s changed: %s then %s", p, first, second)
		}
	}
}

func TestConsensusThreeOfFour(t *testing.T) {
	participants := []string{"a", "b", "c", "d"}
	for approvals := 0; approvals <= len(participants); approvals++ {
		d, bus := newDecisions(nil)
		ballots := map[string]domain.Vote{}
		for i, p := range participants {
			if i < approvals {
				ballots[p] = domain.VoteApprove
			} else {
				ballots[p] = domain.VoteReject
			}
		}
		res, err := d.CoordinateDecision(context.Background(), domain.DecisionRequest{
			ContextID:    "ctx",
			Participants: participants,
			Strategy:     domain.Consensus,
			Parameters:   domain.DecisionParameters{Threshold: threshold(0.75), Ballots: ballots},
		})
		if err != nil {
			t.Fatalf("decide: %v", err)
		}
		want := approvals >= 3
		if res.ConsensusReached != want {
			t.Fatalf("%d approvals: consensus_reached=%t, want %t", approvals, res.ConsensusReached, want)
		}
		reached := bus.Count(domain.EventConsensusReached)
		if want && reached != 1 || !want && reached != 0 {
			t.Fatalf("%d approvals: %d consensus_reached events", approvals, reached)
		}
	}
}

func TestConsensusUsesDefaultThreshold(t *testing.T) {
	d, _ := newDecisions(nil)
	d.DefaultThreshold = 0.5
	res, err := d.CoordinateDecision(context.Background(), domain.DecisionRequest{
		ContextID:    "ctx",
		Participants: []string{"a", "b"},
		Strategy:     domain.Consensus,
		Parameters:   domain.DecisionParameters{Ballots: map[string]domain.Vote{"a": domain.VoteApprove, "b": domain.VoteReject}},
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !res.ConsensusReached {
		t.Fatalf("1 of 2 should reach a 0.5 threshold")
	}
}

func TestWeightedVoting(t *testing.T) {
	d, _ := newDecisions(engine.Unanimous(domain.VoteReject))
	res, err := d.CoordinateDecision(context.Background(), domain.DecisionRequest{
		ContextID:    "ctx",
		Participants: []string{"lead", "dev1", "dev2"},
		Strategy:     domain.WeightedVoting,
		Parameters: domain.DecisionParameters{
			Weights: map[string]float64{"lead": 3},
			Ballots: map[string]domain.Vote{"lead": domain.VoteApprove},
		},
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if res.Result != domain.Approved {
		t.Fatalf("weight 3 against 2 should approve, got %s (%+v)", res.Result, res.Tally)
	}
	if res.Tally.ApproveWeight != 3 || res.Tally.RejectWeight != 2 {
		t.Fatalf("unexpected tally %+v", res.Tally)
	}
}

func TestDelegation(t *testing.T) {
	d, _ := newDecisions(engine.Unanimous(domain.VoteApprove))
	res, err := d.CoordinateDecision(context.Background(), domain.DecisionRequest{
		ContextID:    "ctx",
		Participants: []string{"a", "b", "c"},
		Strategy:     domain.Delegation,
		Parameters: domain.DecisionParameters{
			Delegate: "b",
			Ballots:  map[string]domain.Vote{"b": domain.VoteReject},
		},
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if res.Result != domain.Rejected {
		t.Fatalf("delegate rejected, got %s", res.Result)
	}
	if res.ParticipantsVotes["a"] != domain.VoteDeferred || res.ParticipantsVotes["c"] != domain.VoteDeferred {
		t.Fatalf("non-delegates should defer: %v", res.ParticipantsVotes)
	}
	if len(res.ParticipantsVotes) != 3 {
		t.Fatalf("expected 3 votes, got %v", res.ParticipantsVotes)
	}
}

func TestDecisionEventCountsBalance(t *testing.T) {
	failing := engine.VoterFunc(func(_ context.Context, _, participant string) (domain.Vote, error) {
		if participant == "broken" {
			return "", errors.New("ballot box on fire")
		}
		return domain.VoteApprove, nil
	})
	d, bus := newDecisions(failing)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			participants := []string{"a", "b"}
			if i%3 == 0 {
				participants = append(participants, "broken")
			}
			if i%5 == 0 {
				participants = participants[:1]
			}
			_, _ = d.CoordinateDecision(context.Background(), domain.DecisionRequest{
				ContextID:    fmt.Sprintf("ctx-%d", i),
				Participants: participants,
				Strategy:     domain.SimpleVoting,
			})
		}(i)
	}
	wg.Wait()
	started := bus.Count(domain.EventDecisionStarted)
	completed := bus.Count(domain.EventDecisionCompleted)
	if started == 0 || started != completed {
		t.Fatalf("started=%d completed=%d", started, completed)
	}

	// every started decision is completed later in the same global order
	open := map[string]bool{}
	for _, evt := range bus.History() {
		switch evt.Type {
		case domain.EventDecisionStarted:
			open[evt.ExecutionID] = true
		case domain.EventDecisionCompleted:
			if !open[evt.ExecutionID] {
				t.Fatalf("decision %s completed before it started", evt.ExecutionID)
			}
			delete(open, evt.ExecutionID)
		}
	}
	if len(open) != 0 {
		t.Fatalf("decisions left open: %v", open)
	}
}

func TestDecisionFailureStillCompletes(t *testing.T) {
	d, bus := newDecisions(engine.VoterFunc(func(context.Context, string, string) (domain.Vote, error) {
		return "", errors.New("unavailable")
	}))
	_, err := d.CoordinateDecision(context.Background(), domain.DecisionRequest{
		ContextID:    "ctx",
		Participants: []string{"a", "b"},
		Strategy:     domain.SimpleVoting,
	})
	if err == nil || errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected voter error, got %v", err)
	}
	history := bus.History()
	if len(history) != 2 || history[0].Type != domain.EventDecisionStarted || history[1].Type != domain.EventDecisionCompleted {
		t.Fatalf("unexpected events %+v", history)
	}

	d.Voter = engine.Unanimous(domain.VoteApprove)
	res, err := d.CoordinateDecision(context.Background(), domain.DecisionRequest{
		ContextID:    "ctx",
		Participants: []string{"a", "b"},
		Strategy:     domain.SimpleVoting,
	})
	if err != nil || res.Result != domain.Approved {
		t.Fatalf("follow-up decision: %v %+v", err, res)
	}
}
