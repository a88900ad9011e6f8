package sandbox

import (
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/pendergraft/sorobanregistry/internal/validation"
)

// Toolchain is a pinned compiler setup. The pin is recorded with every
// verification result so a build can be reproduced later.
type Toolchain struct {
	Pin     string `toml:"pin" json:"pin"`         // e.g. "1.81.0"
	Rustc   string `toml:"rustc" json:"rustc"`     // rustup toolchain name
	Target  string `toml:"target" json:"target"`   // cargo build target
	Profile string `toml:"profile" json:"profile"` // cargo profile
	SDK     string `toml:"sdk" json:"sdk,omitempty"`
}

// Toolchains is the set of supported pins
type Toolchains struct {
	pins map[string]Toolchain
}

type toolchainFile struct {
	Toolchain []Toolchain `toml:"toolchain"`
}

// DefaultToolchains returns the built-in pins
func DefaultToolchains() *Toolchains {
	t, _ := NewToolchains([]Toolchain{
		{Pin: "1.79.0", Rustc: "1.79.0", SDK: "21.7.7"},
		{Pin: "1.81.0", Rustc: "1.81.0", SDK: "22.0.7"},
	})
	return t
}

// NewToolchains validates and indexes pins
func NewToolchains(list []Toolchain) (*Toolchains, error) {
	t := &Toolchains{pins: make(map[string]Toolchain, len(list))}
	for _, tc := range list {
		if err := validation.ValidateVersion(tc.Pin); err != nil {
			return nil, fmt.Errorf("toolchain %q: %w", tc.Pin, err)
		}
		tc.Pin = validation.NormalizeVersion(tc.Pin)
		if tc.Rustc == "" {
			tc.Rustc = tc.Pin
		}
		if tc.Target == "" {
			tc.Target = "wasm32-unknown-unknown"
		}
		if tc.Profile == "" {
			tc.Profile = "release"
		}
		if _, dup := t.pins[tc.Pin]; dup {
			return nil, fmt.Errorf("duplicate toolchain pin %q", tc.Pin)
		}
		t.pins[tc.Pin] = tc
	}
	if len(t.pins) == 0 {
		return nil, fmt.Errorf("no toolchains configured")
	}
	return t, nil
}

// LoadToolchains reads pins from a TOML file of [[toolchain]] tables.
// An empty path yields the defaults.
func LoadToolchains(path string) (*Toolchains, error) {
	if path == "" {
		return DefaultToolchains(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading toolchains file: %w", err)
	}
	var file toolchainFile
	if _, err := toml.Decode(string(data), &file); err != nil {
		return nil, fmt.Errorf("parsing TOML: %w", err)
	}
	return NewToolchains(file.Toolchain)
}

// Get returns the toolchain for a pin
func (t *Toolchains) Get(pin string) (Toolchain, error) {
	tc, ok := t.pins[validation.NormalizeVersion(pin)]
	if !ok {
		return Toolchain{}, &BuildError{Kind: KindUnsupportedToolchain, Message: fmt.Sprintf("toolchain pin %q is not supported", pin)}
	}
	return tc, nil
}

// Resolve returns the toolchain for pin, or the latest stable one when pin is empty
func (t *Toolchains) Resolve(pin string) (Toolchain, error) {
	if pin == "" {
		return t.Latest(), nil
	}
	return t.Get(pin)
}

// Latest returns the newest stable pin by semver
func (t *Toolchains) Latest() Toolchain {
	pins := make([]string, 0, len(t.pins))
	for p := range t.pins {
		pins = append(pins, p)
	}
	return t.pins[validation.ResolveLatest(pins, false)]
}

// List returns all toolchains ordered oldest first
func (t *Toolchains) List() []Toolchain {
	list := make([]Toolchain, 0, len(t.pins))
	for _, tc := range t.pins {
		list = append(list, tc)
	}
	sort.Slice(list, func(i, j int) bool {
		return validation.CompareVersions(list[i].Pin, list[j].Pin) < 0
	})
	return list
}
