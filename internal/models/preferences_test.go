package models

import (
	"errors"
	"testing"
)

func TestIsPriorityAllCombinations(t *testing.T) {
	for mask := 0; mask < 16; mask++ {
		p := Preferences{
			Pregnant: mask&1 != 0,
			Elderly:  mask&2 != 0,
			Disabled: mask&4 != 0,
			Infant:   mask&8 != 0,
		}
		want := p.Pregnant || p.Elderly || p.Disabled || p.Infant
		if got := p.IsPriority(); got != want {
			t.Fatalf("mask %04b: IsPriority()=%v, want %v", mask, got, want)
		}
	}
}

func TestSeatingFlagsDoNotAffectPriority(t *testing.T) {
	p := Preferences{WithDog: true, Outdoor: true}
	if p.IsPriority() {
		t.Fatalf("seating preferences must not grant priority")
	}
}

func TestSetWithDogForcesOutdoor(t *testing.T) {
	prior := []Preferences{
		{},
		{Indoor: true},
		{Outdoor: true},
		{Indoor: true, Pregnant: true},
		{WithDog: true, Outdoor: true},
	}
	for _, p := range prior {
		p.SetWithDog(true)
		if !p.WithDog || !p.Outdoor || p.Indoor {
			t.Fatalf("unexpected preferences after SetWithDog: %+v", p)
		}
	}
}

func TestSetIndoorAndOutdoorAreExclusive(t *testing.T) {
	p := Preferences{}
	p.SetWithDog(true)
	p.SetIndoor(true)
	if !p.Indoor || p.Outdoor || p.WithDog {
		t.Fatalf("indoor should clear outdoor and dog: %+v", p)
	}

	p.SetOutdoor(true)
	if p.Indoor || !p.Outdoor {
		t.Fatalf("outdoor should clear indoor: %+v", p)
	}

	p.SetWithDog(true)
	p.SetOutdoor(false)
	if p.WithDog || p.Outdoor {
		t.Fatalf("dropping outdoor should drop the dog: %+v", p)
	}
}

func TestNormalizePreferences(t *testing.T) {
	cases := []struct {
		name    string
		in      Preferences
		want    Preferences
		wantErr error
	}{
		{"empty", Preferences{}, Preferences{}, nil},
		{"dog wins over indoor", Preferences{WithDog: true, Indoor: true}, Preferences{WithDog: true, Outdoor: true}, nil},
		{"dog with both", Preferences{WithDog: true, Indoor: true, Outdoor: true}, Preferences{WithDog: true, Outdoor: true}, nil},
		{"indoor only", Preferences{Indoor: true, Elderly: true}, Preferences{Indoor: true, Elderly: true}, nil},
		{"conflict", Preferences{Indoor: true, Outdoor: true}, Preferences{}, ErrSeatingConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizePreferences(tc.in)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}
