package models

import "errors"

var ErrSeatingConflict = errors.New("indoor and outdoor seating are mutually exclusive")

type Preferences struct {
	Pregnant bool `json:"pregnant"`
	Elderly  bool `json:"elderly"`
	Disabled bool `json:"disabled"`
	Infant   bool `json:"infant"`
	WithDog  bool `json:"with_dog"`
	Indoor   bool `json:"indoor"`
	Outdoor  bool `json:"outdoor"`
}

func (p Preferences) IsPriority() bool {
	return p.Pregnant || p.Elderly || p.Disabled || p.Infant
}

// A dog can only be seated outside.
func (p *Preferences) SetWithDog(value bool) {
	p.WithDog = value
	if value {
		p.Outdoor = true
		p.Indoor = false
	}
}

func (p *Preferences) SetIndoor(value bool) {
	p.Indoor = value
	if value {
		p.Outdoor = false
		p.WithDog = false
	}
}

func (p *Preferences) SetOutdoor(value bool) {
	p.Outdoor = value
	if value {
		p.Indoor = false
		return
	}
	p.WithDog = false
}

// NormalizePreferences makes a whole submitted record self-consistent before it is stored.
func NormalizePreferences(p Preferences) (Preferences, error) {
	if p.WithDog {
		p.SetWithDog(true)
		return p, nil
	}
	if p.Indoor && p.Outdoor {
		return p, ErrSeatingConflict
	}
	return p, nil
}
