// Package perception holds the vocabulary shared by every visioner component:
// visibility and cover states, lighting levels, sense acuity, directions and
// token dispositions.
package perception

// Visibility is how an observer perceives a target. It is directional: A
// perceiving B says nothing about B perceiving A.
type Visibility string

const (
	Observed   Visibility = "observed"
	Concealed  Visibility = "concealed"
	Hidden     Visibility = "hidden"
	Undetected Visibility = "undetected"
)

// Visibilities lists the states from most to least perceptible.
var Visibilities = []Visibility{Observed, Concealed, Hidden, Undetected}

func (v Visibility) Valid() bool {
	switch v {
	case Observed, Concealed, Hidden, Undetected:
		return true
	}
	return false
}

// Cover is the degree of cover a defender has against an attacker.
type Cover string

const (
	NoCover       Cover = "none"
	LesserCover   Cover = "lesser"
	StandardCover Cover = "standard"
	GreaterCover  Cover = "greater"
)

func (c Cover) Valid() bool {
	switch c {
	case NoCover, LesserCover, StandardCover, GreaterCover:
		return true
	}
	return false
}

// StateType selects the ledger channel a source belongs to.
type StateType string

const (
	StateVisibility StateType = "visibility"
	StateCover      StateType = "cover"
)

func (s StateType) Valid() bool {
	return s == StateVisibility || s == StateCover
}

// ValidState reports whether state is a legal value for the channel.
func (s StateType) ValidState(state string) bool {
	switch s {
	case StateVisibility:
		return Visibility(state).Valid()
	case StateCover:
		return Cover(state).Valid()
	}
	return false
}

// Direction says which side of a pair an operation's subject sits on.
//
// To: the selected tokens perceive the subject with the declared state.
// From: the subject perceives the selected tokens with the declared state.
type Direction string

const (
	DirectionFrom Direction = "from"
	DirectionTo   Direction = "to"
)

func (d Direction) Valid() bool {
	return d == DirectionFrom || d == DirectionTo
}

// OrDefault returns d, or DirectionTo when d is unset.
func (d Direction) OrDefault() Direction {
	if d == "" {
		return DirectionTo
	}
	return d
}

// Lighting is the light level at a token's position.
type Lighting string

const (
	Bright                 Lighting = "bright"
	Dim                    Lighting = "dim"
	Darkness               Lighting = "darkness"
	MagicalDarkness        Lighting = "magical-darkness"
	GreaterMagicalDarkness Lighting = "greater-magical-darkness"
)

func (l Lighting) Valid() bool {
	switch l {
	case Bright, Dim, Darkness, MagicalDarkness, GreaterMagicalDarkness:
		return true
	}
	return false
}

// Acuity is the precision of a sense.
type Acuity string

const (
	Precise   Acuity = "precise"
	Imprecise Acuity = "imprecise"
	Vague     Acuity = "vague"
)

func (a Acuity) Valid() bool {
	return a == Precise || a == Imprecise || a == Vague
}

// Disposition is a token's allegiance as the host reports it.
type Disposition string

const (
	Friendly Disposition = "friendly"
	Neutral  Disposition = "neutral"
	Hostile  Disposition = "hostile"
	Secret   Disposition = "secret"
)

// Allied reports whether two dispositions are on the same side.
func Allied(a, b Disposition) bool {
	return a == b && a != Secret
}

// Opposed reports whether two dispositions are enemies of each other.
func Opposed(a, b Disposition) bool {
	return (a == Friendly && b == Hostile) || (a == Hostile && b == Friendly)
}
