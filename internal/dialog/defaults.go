package dialog

import "github.com/ashureev/carat-studio/internal/domain"

// Defaults are the slot values applied when the user leaves them open.
type Defaults struct {
	Subject    string
	Style      string
	Pose       string
	Background string
	Mood       string
}

// StandardDefaults returns the stock default policy.
func StandardDefaults() Defaults {
	return Defaults{
		Subject:    "cute character",
		Style:      "illustration",
		Pose:       "natural pose",
		Background: "white background",
		Mood:       "cute",
	}
}

// Slots returns d as a slot map. Empty fields fall back to the stock value.
func (d Defaults) Slots() domain.Slots {
	std := StandardDefaults()
	pick := func(v, fallback string) string {
		if v != "" {
			return v
		}
		return fallback
	}
	return domain.Slots{
		domain.SlotSubject:    pick(d.Subject, std.Subject),
		domain.SlotStyle:      pick(d.Style, std.Style),
		domain.SlotPose:       pick(d.Pose, std.Pose),
		domain.SlotBackground: pick(d.Background, std.Background),
		domain.SlotMood:       pick(d.Mood, std.Mood),
	}
}
