package engine

import (
	"context"
	"hash/fnv"

	"coordline/internal/domain"
)

// Voter casts the ballot of a participant that has no pinned vote.
type Voter interface {
	Vote(ctx context.Context, contextID, participant string) (domain.Vote, error)
}

type VoterFunc func(ctx context.Context, contextID, participant string) (domain.Vote, error)

func (f VoterFunc) Vote(ctx context.Context, contextID, participant string) (domain.Vote, error) {
	return f(ctx, contextID, participant)
}

// HashVoter derives a stable pseudo-vote from the context and participant, so
// the same question asked of the same participant always gets the same answer.
type HashVoter struct {
	Salt string
}

func (v HashVoter) Vote(_ context.Context, contextID, participant string) (domain.Vote, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(v.Salt))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(contextID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(participant))
	if h.Sum32()%2 == 0 {
		return domain.VoteApprove, nil
	}
	return domain.VoteReject, nil
}

// Unanimous votes the same way for everyone.
type Unanimous domain.Vote

func (u Unanimous) Vote(context.Context, string, string) (domain.Vote, error) {
	return domain.Vote(u), nil
}
