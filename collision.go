package main

// Rect is an axis-aligned box; Y grows downward
type Rect struct {
	X, Y, W, H float64
}

// Overlaps reports strict AABB intersection; touching edges do not count
func (a Rect) Overlaps(b Rect) bool {
	return a.X < b.X+b.W &&
		a.X+a.W > b.X &&
		a.Y < b.Y+b.H &&
		a.Y+a.H > b.Y
}

// CheckAttackCollision checks if attacker's swing reaches target this tick
func CheckAttackCollision(attacker, target *Fighter) bool {
	if !attacker.CanHit() || target.Dead {
		return false
	}
	return attacker.AttackBox().Overlaps(target.HurtBox())
}

// ResolveAttacks applies damage for every ordered (attacker, target) pair.
// A swing lands on at most one target, once.
func ResolveAttacks(fighters []*Fighter) []HitEvent {
	var hits []HitEvent
	for i, attacker := range fighters {
		for j, target := range fighters {
			if i == j || attacker == target {
				continue
			}
			if !CheckAttackCollision(attacker, target) {
				continue
			}
			target.TakeDamage(AttackDamage)
			attacker.MarkHit()
			hits = append(hits, HitEvent{
				Type:         "HIT",
				Attacker:     attacker.ID,
				Target:       target.ID,
				Damage:       AttackDamage,
				TargetHealth: target.Health,
			})
		}
	}
	return hits
}
