package models

// FlagState is the evaluated state of a single feature flag.
type FlagState struct {
	// Key is the flag name as requested by the caller.
	Key string `json:"key"`

	// Enabled is the evaluated value of the flag.
	Enabled bool `json:"enabled"`

	// Restored is true when the value was served from the offline store
	// because the upstream evaluator was unreachable.
	Restored bool `json:"restored"`
}

// FlagList is the set of flags known to the upstream evaluator.
type FlagList struct {
	Flags []FlagState `json:"flags"`
	Time  Timestamp   `json:"time"`
}
