// Package poolcfg decodes the manifest's tagged config bag into
// typed per-engine config structs using mapstructure, rather than
// hand-rolled map[string]any digging at every call site.
package poolcfg

import (
	"github.com/mitchellh/mapstructure"

	"github.com/blockpool/poolmgr/internal/poolerr"
)

// Common holds the config keys recognized for every pool type.
type Common struct {
	Encrypted     bool `mapstructure:"encrypted"`
	CreateKeyfile bool `mapstructure:"create_keyfile"`
	UncleanCheck  bool `mapstructure:"unclean_check"`
}

// Btrfs holds the btrfs-specific config keys.
type Btrfs struct {
	Common    `mapstructure:",squash"`
	RaidLevel string `mapstructure:"raid_level"`
}

// SyncSchedule is a {enabled, schedule} pair used for mergerfs sync/check/scrub.
type SyncSchedule struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// MergerFSSync holds the mergerfs sync.{enabled,schedule,check,scrub} keys.
type MergerFSSync struct {
	Enabled  bool         `mapstructure:"enabled"`
	Schedule string       `mapstructure:"schedule"`
	Check    SyncSchedule `mapstructure:"check"`
	Scrub    SyncSchedule `mapstructure:"scrub"`
}

// MergerFSPolicies holds the mergerfs policies.{create,read,search} keys.
type MergerFSPolicies struct {
	Create string `mapstructure:"create"`
	Read   string `mapstructure:"read"`
	Search string `mapstructure:"search"`
}

// MergerFS holds the mergerfs-specific config keys.
type MergerFS struct {
	Common        `mapstructure:",squash"`
	Policies      MergerFSPolicies `mapstructure:"policies"`
	MinFreeSpace  string           `mapstructure:"minfreespace"`
	MoveOnENOSPC  bool             `mapstructure:"moveonenospc"`
	GlobalOptions string           `mapstructure:"global_options"`
	Sync          MergerFSSync     `mapstructure:"sync"`
}

// NonRaidCheck holds the nonraid check.{enabled,schedule} keys.
type NonRaidCheck struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// NonRaid holds the nonraid-specific config keys.
type NonRaid struct {
	Common      `mapstructure:",squash"`
	MDWriteMode string       `mapstructure:"md_writemode"`
	Check       NonRaidCheck `mapstructure:"check"`
}

func decode(bag map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return poolerr.Integrity("config decoder: %s", err)
	}

	if err := dec.Decode(bag); err != nil {
		return poolerr.Validation("invalid pool config: %s", err)
	}

	return nil
}

// DecodeCommon decodes only the common keys, ignoring type-specific ones.
func DecodeCommon(bag map[string]any) (Common, error) {
	var c Common
	err := decode(bag, &c)
	return c, err
}

// DecodeBtrfs decodes bag into Btrfs, defaulting RaidLevel to "single".
func DecodeBtrfs(bag map[string]any) (Btrfs, error) {
	c := Btrfs{RaidLevel: "single"}
	err := decode(bag, &c)
	return c, err
}

// DecodeMergerFS decodes bag into MergerFS, with the create/read/search
// policy defaults mergerfs pools are assembled with when unset.
func DecodeMergerFS(bag map[string]any) (MergerFS, error) {
	c := MergerFS{Policies: MergerFSPolicies{Create: "epmfs", Read: "ff", Search: "ff"}}
	err := decode(bag, &c)
	return c, err
}

// DecodeNonRaid decodes bag into NonRaid, defaulting MDWriteMode to "normal".
func DecodeNonRaid(bag map[string]any) (NonRaid, error) {
	c := NonRaid{MDWriteMode: "normal"}
	err := decode(bag, &c)
	return c, err
}

var validRaidLevels = map[string]int{"single": 1, "raid0": 2, "raid1": 2, "raid10": 4}

// MinDevicesForRaidLevel returns the minimum device count required for
// level, and whether level is recognized.
func MinDevicesForRaidLevel(level string) (int, bool) {
	n, ok := validRaidLevels[level]
	return n, ok
}
