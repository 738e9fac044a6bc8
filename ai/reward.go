package ai

import (
	"gonum.org/v1/gonum/floats"

	"snake-dqn/game/types"
)

// Rewards holds the scalar rewards of the shaping policy.
type Rewards struct {
	Alive    float64 `yaml:"alive" json:"alive"`
	Close    float64 `yaml:"close" json:"close"`
	Far      float64 `yaml:"far" json:"far"`
	Die      float64 `yaml:"die" json:"die"`
	Eat      float64 `yaml:"eat" json:"eat"`
	Nearness bool    `yaml:"nearness" json:"nearness"`
}

// RewardPolicy turns a transition outcome into a reward.
//
// The distance to food from the previous call is kept between calls and
// survives episode boundaries. Call Reset to drop it explicitly.
type RewardPolicy struct {
	Rewards
	oldDistance float64
}

func NewRewardPolicy(r Rewards) *RewardPolicy {
	return &RewardPolicy{Rewards: r}
}

// Reward evaluates alive, then nearness, then crash or eat. Later checks win.
func (p *RewardPolicy) Reward(head, food *types.Point, crash, eat bool) float64 {
	reward := p.Alive
	if p.Nearness && head != nil && food != nil {
		d := Distance(*head, *food)
		// a zero distance counts as "no previous distance"
		if p.oldDistance != 0 {
			if d < p.oldDistance {
				reward = p.Close
			} else {
				reward = p.Far
			}
		}
		p.oldDistance = d
	}
	if crash {
		reward = p.Die
	} else if eat {
		reward = p.Eat
	}
	return reward
}

// Reset forgets the tracked distance.
func (p *RewardPolicy) Reset() {
	p.oldDistance = 0
}

// LastDistance returns the tracked distance, 0 when unset.
func (p *RewardPolicy) LastDistance() float64 {
	return p.oldDistance
}

// Distance is the Euclidean distance between two cells.
func Distance(a, b types.Point) float64 {
	return floats.Distance(
		[]float64{float64(a.X), float64(a.Y)},
		[]float64{float64(b.X), float64(b.Y)},
		2,
	)
}
