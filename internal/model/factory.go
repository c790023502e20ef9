package model

import (
	"time"
)

// Cauldron describes a potion cauldron on the factory floor.
type Cauldron struct {
	ID        string  `json:"id"`
	Name      string  `json:"name,omitempty"`
	MaxVolume float64 `json:"max_volume"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DisplayName falls back to the id when the upstream omits a name.
func (c Cauldron) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// Market is the single delivery point for collected potion.
type Market struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Description string  `json:"description,omitempty"`
}

// Courier transports potion from cauldrons to the market.
type Courier struct {
	CourierID           string  `json:"courier_id"`
	Name                string  `json:"name"`
	MaxCarryingCapacity float64 `json:"max_carrying_capacity"`
}

// LevelObservation 记录某一时刻各个 cauldron 的液位 (升)。
type LevelObservation struct {
	Timestamp      time.Time          `json:"timestamp"`
	CauldronLevels map[string]float64 `json:"cauldron_levels"`
}

// CauldronIndex maps cauldron ids to cauldrons.
func CauldronIndex(cauldrons []Cauldron) map[string]Cauldron {
	index := make(map[string]Cauldron, len(cauldrons))
	for _, c := range cauldrons {
		index[c.ID] = c
	}
	return index
}
