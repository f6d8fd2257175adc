// Package traits models on-chain character attributes and their
// derived human-readable descriptions.
package traits

import (
	"context"
	"strconv"
	"time"
)

var genderNames = map[uint8]string{
	0: "Male",
	1: "Female",
	2: "NonBinary",
}

var orientationNames = map[uint8]string{
	0: "Straight",
	1: "SameGender",
	2: "Bisexual",
	3: "Pansexual",
	4: "Asexual",
}

// Occupation and personality names must match the frontend tables.
var occupationNames = []string{
	"Software Engineer",
	"Doctor",
	"Teacher",
	"Artist",
	"Chef",
	"Musician",
	"Writer",
	"Athlete",
	"Scientist",
	"Entrepreneur",
}

var personalityNames = []string{
	"Adventurous",
	"Caring",
	"Creative",
	"Analytical",
	"Outgoing",
	"Reserved",
	"Optimistic",
	"Pragmatic",
	"Romantic",
	"Mysterious",
}

// Character holds the immutable attributes minted into a character NFT.
type Character struct {
	Name              string `json:"name"`
	BirthYear         int    `json:"birthYear"`
	BirthTimestamp    uint32 `json:"birthTimestamp"`
	Gender            uint8  `json:"gender"`
	SexualOrientation uint8  `json:"sexualOrientation"`
	OccupationID      uint8  `json:"occupationId"`
	PersonalityID     uint8  `json:"personalityId"`
	Language          uint8  `json:"language"`
	MintedAt          uint64 `json:"mintedAt"`
	IsBonded          bool   `json:"isBonded"`
	Secret            string `json:"secret"`
}

// Source fetches character attributes by token ID.
type Source interface {
	GetCharacter(ctx context.Context, tokenID uint64) (*Character, error)
}

// GenderName returns the display name for the gender code.
func (c *Character) GenderName() string {
	if name, ok := genderNames[c.Gender]; ok {
		return name
	}
	return "NonBinary"
}

// OrientationName returns the display name for the orientation code.
func (c *Character) OrientationName() string {
	if name, ok := orientationNames[c.SexualOrientation]; ok {
		return name
	}
	return "Straight"
}

// OccupationName returns the occupation, wrapping out-of-range IDs.
func (c *Character) OccupationName() string {
	return occupationNames[int(c.OccupationID)%len(occupationNames)]
}

// PersonalityName returns the personality, wrapping out-of-range IDs.
func (c *Character) PersonalityName() string {
	return personalityNames[int(c.PersonalityID)%len(personalityNames)]
}

// Age computes the character's age from the birth year.
func (c *Character) Age(now time.Time) int {
	return now.Year() - c.BirthYear
}

// WealthTier derives a deterministic family wealth level from the
// character's secret, using the last two hex digits for the
// distribution over 0-255. Roughly: 1% super rich, 4% rich, 15%
// comfortable, 50% middle class, 25% poor, 5% extreme poverty.
func (c *Character) WealthTier() (level, description string) {
	return wealthFromSecret(c.Secret)
}

func wealthFromSecret(secret string) (string, string) {
	value := 178 // middle of the distribution when the secret is unusable
	if len(secret) >= 2 {
		if v, err := strconv.ParseUint(secret[len(secret)-2:], 16, 8); err == nil {
			value = int(v)
		}
	}

	switch {
	case value < 3:
		return "super_rich", "from an extremely wealthy family with generational wealth"
	case value < 13:
		return "rich", "from a well-off family with financial security"
	case value < 51:
		return "comfortable", "from a comfortable middle-class family"
	case value < 179:
		return "middle_class", "from a typical middle-class family"
	case value < 243:
		return "poor", "from a struggling working-class family"
	default:
		return "extreme_poverty", "from a family facing severe financial hardship"
	}
}
