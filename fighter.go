package main

const (
	WorldWidth   = 1024.0
	GroundY      = 330.0
	Gravity      = 0.7   // px/tick²
	PlayerSpeed  = 10.0  // px/tick
	JumpVelocity = -18.0 // px/tick, negative is up
	PlayerWidth  = 50.0
	PlayerHeight = 150.0
	MaxHealth    = 100

	AttackDamage   = 15
	AttackCooldown = 400.0 // ms
	AttackRange    = 150.0
	AttackHeight   = 50.0
	AttackFrames   = 12 // ticks per swing
	hitWindowStart = 4
	hitWindowEnd   = 9
)

// AnimState is the server-authoritative animation signal
type AnimState string

const (
	AnimIdle    AnimState = "idle"
	AnimRun     AnimState = "run"
	AnimJump    AnimState = "jump"
	AnimFall    AnimState = "fall"
	AnimAttack1 AnimState = "attack1"
	AnimTakeHit AnimState = "takeHit"
	AnimDeath   AnimState = "death"
)

// Fighter is the authoritative simulation of one player inside a match
type Fighter struct {
	ID       string
	Username string

	X, Y        float64
	VelX, VelY  float64
	FacingRight bool
	onGround    bool

	Health int
	Dead   bool

	IsAttacking    bool
	AttackFrame    int
	AttackCooldown float64 // ms remaining
	AttackHit      bool

	AnimState AnimState

	LastInputSeq int64
	queued       *InputPacket // newest accepted, not yet processed
}

// NewFighter creates a fighter at spawnX; the left half of the arena faces right
func NewFighter(id, username string, spawnX float64) *Fighter {
	return &Fighter{
		ID:           id,
		Username:     username,
		X:            spawnX,
		Health:       MaxHealth,
		FacingRight:  spawnX < WorldWidth/2,
		AnimState:    AnimIdle,
		LastInputSeq: -1,
	}
}

// QueueInput accepts in if the fighter is alive and in.Seq is newer than
// anything accepted before. A newer packet replaces an unprocessed older one.
func (f *Fighter) QueueInput(in InputPacket) bool {
	if f.Dead || in.Seq <= f.LastInputSeq {
		return false
	}
	f.LastInputSeq = in.Seq
	f.queued = &in
	return true
}

// ProcessInputs applies the newest queued input. Called once per tick before Update.
func (f *Fighter) ProcessInputs() {
	if f.Dead || f.queued == nil {
		return
	}
	in := f.queued.Inputs
	f.queued = nil

	f.VelX = 0
	if in.Left && !in.Right {
		f.VelX = -PlayerSpeed
		f.FacingRight = false
	} else if in.Right && !in.Left {
		f.VelX = PlayerSpeed
		f.FacingRight = true
	}

	if in.Jump && f.onGround {
		f.VelY = JumpVelocity
		f.onGround = false
	}

	if in.Attack && f.AttackCooldown <= 0 && !f.IsAttacking {
		f.IsAttacking = true
		f.AttackFrame = 0
		f.AttackHit = false
		f.AttackCooldown = AttackCooldown
	}
}

// Update advances the fighter one tick (dt in milliseconds)
func (f *Fighter) Update(dt float64) {
	if f.Dead {
		return
	}

	f.X += f.VelX
	f.Y += f.VelY

	if f.Y < GroundY {
		f.VelY += Gravity
		f.onGround = false
	} else {
		f.Y = GroundY
		f.VelY = 0
		f.onGround = true
	}

	f.X = Clamp(f.X, 0, WorldWidth-PlayerWidth)

	if f.IsAttacking {
		f.AttackFrame++
		if f.AttackFrame >= AttackFrames {
			f.IsAttacking = false
			f.AttackFrame = 0
		}
	}

	if f.AttackCooldown > 0 {
		f.AttackCooldown -= dt
	}

	f.updateAnimState()
}

func (f *Fighter) updateAnimState() {
	switch {
	case f.Dead:
		f.AnimState = AnimDeath
	case f.IsAttacking:
		f.AnimState = AnimAttack1
	case f.VelY < 0:
		f.AnimState = AnimJump
	case f.VelY > 0 && !f.onGround:
		f.AnimState = AnimFall
	case f.VelX != 0:
		f.AnimState = AnimRun
	default:
		f.AnimState = AnimIdle
	}
}

// OnGround reports whether the fighter is standing on the ground plane
func (f *Fighter) OnGround() bool {
	return f.onGround
}

// CanHit is true inside the weapon-reach window of a swing that has not connected yet
func (f *Fighter) CanHit() bool {
	return f.IsAttacking && f.AttackFrame >= hitWindowStart && f.AttackFrame <= hitWindowEnd && !f.AttackHit
}

// MarkHit records that the current swing has connected
func (f *Fighter) MarkHit() {
	f.AttackHit = true
}

// AttackBox is the reach of the swing, in front of the fighter
func (f *Fighter) AttackBox() Rect {
	x := f.X - AttackRange + 10
	if f.FacingRight {
		x = f.X + PlayerWidth - 10
	}
	return Rect{X: x, Y: f.Y, W: AttackRange, H: AttackHeight + 50}
}

// HurtBox is the fighter's body
func (f *Fighter) HurtBox() Rect {
	return Rect{X: f.X, Y: f.Y, W: PlayerWidth, H: PlayerHeight}
}

// TakeDamage reduces health and returns true if the fighter died from it
func (f *Fighter) TakeDamage(amount int) bool {
	if f.Dead || amount <= 0 {
		return false
	}
	f.Health -= amount
	f.AnimState = AnimTakeHit
	if f.Health <= 0 {
		f.Health = 0
		f.Dead = true
		f.AnimState = AnimDeath
		return true
	}
	return false
}

// ToState converts to protocol state. attackFrame is the 6-frame sprite index.
func (f *Fighter) ToState() PlayerState {
	return PlayerState{
		ID:           f.ID,
		Username:     f.Username,
		X:            jsRound(f.X),
		Y:            jsRound(f.Y),
		VelX:         f.VelX,
		VelY:         jsRound(f.VelY*10) / 10,
		Health:       f.Health,
		AnimState:    f.AnimState,
		IsAttacking:  f.IsAttacking,
		AttackFrame:  f.AttackFrame / 2,
		FacingRight:  f.FacingRight,
		Dead:         f.Dead,
		LastInputSeq: f.LastInputSeq,
	}
}
