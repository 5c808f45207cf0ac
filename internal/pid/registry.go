package pid

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shaunagostinho/goobd/internal/obd"
)

// Registry resolves descriptors. It has no mutators.
type Registry struct {
	entries  map[key]Descriptor
	profiles []string
}

// Builder collects descriptors and reports the first conflict on Build.
type Builder struct {
	entries map[key]Descriptor
	err     error
}

func NewBuilder() *Builder {
	return &Builder{entries: make(map[key]Descriptor)}
}

// Add registers d. A second entry for the same (mode, pid, profile) is an
// error surfaced by Build.
func (b *Builder) Add(ds ...Descriptor) *Builder {
	for _, d := range ds {
		if b.err != nil {
			return b
		}
		if !d.Mode.Valid() {
			b.err = fmt.Errorf("pid: %s: invalid mode 0x%02X", d.Name, byte(d.Mode))
			return b
		}
		k := d.key()
		if prev, ok := b.entries[k]; ok {
			b.err = fmt.Errorf("pid: duplicate entry %s profile %q (%s, %s)", d.Ref(), d.Profile, prev.Name, d.Name)
			return b
		}
		b.entries[k] = d
	}
	return b
}

func (b *Builder) Build() (*Registry, error) {
	if b.err != nil {
		return nil, b.err
	}
	r := &Registry{entries: make(map[key]Descriptor, len(b.entries))}
	seen := map[string]bool{}
	for k, d := range b.entries {
		r.entries[k] = d
		if d.Profile != "" && !seen[d.Profile] {
			seen[d.Profile] = true
			r.profiles = append(r.profiles, d.Profile)
		}
	}
	sort.Strings(r.profiles)
	return r, nil
}

// Lookup tries the vehicle profile first and falls back to the generic
// entry.
func (r *Registry) Lookup(mode obd.Mode, pid uint16, profile string) (Descriptor, error) {
	if profile != "" {
		if d, ok := r.entries[key{mode, pid, profile}]; ok {
			return d, nil
		}
	}
	if d, ok := r.entries[key{mode, pid, ""}]; ok {
		return d, nil
	}
	return Descriptor{}, &obd.UnsupportedPIDError{Mode: mode, PID: pid, Profile: profile}
}

// ForCommand resolves the descriptor a command will be decoded with.
func (r *Registry) ForCommand(cmd obd.Command, profile string) (Descriptor, error) {
	pid := cmd.PID
	if !cmd.HasPID {
		pid = 0
	}
	return r.Lookup(cmd.Mode, pid, profile)
}

// List returns the entries visible to profile, with profile entries
// shadowing generic ones, sorted by mode then pid.
func (r *Registry) List(profile string) []Descriptor {
	visible := make(map[key]Descriptor)
	for k, d := range r.entries {
		if k.profile != "" && k.profile != profile {
			continue
		}
		gk := key{k.mode, k.pid, ""}
		if cur, ok := visible[gk]; ok && cur.Profile != "" {
			continue
		}
		visible[gk] = d
	}
	out := make([]Descriptor, 0, len(visible))
	for _, d := range visible {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Mode != out[j].Mode {
			return out[i].Mode < out[j].Mode
		}
		return out[i].PID < out[j].PID
	})
	return out
}

// Resolve accepts a descriptor name ("rpm") or a reference ("01:0C") and
// returns the entry visible to profile.
func (r *Registry) Resolve(s, profile string) (Descriptor, error) {
	if mode, pid, err := obd.ParseRef(s); err == nil {
		return r.Lookup(mode, pid, profile)
	}
	var generic Descriptor
	found := false
	for k, d := range r.entries {
		if d.Name != s {
			continue
		}
		if profile != "" && k.profile == profile {
			return d, nil
		}
		if k.profile == "" {
			generic, found = d, true
		}
	}
	if found {
		return generic, nil
	}
	return Descriptor{}, fmt.Errorf("%w: no pid named %q", obd.ErrUnsupportedPID, s)
}

func (r *Registry) Profiles() []string {
	return append([]string(nil), r.profiles...)
}

func (r *Registry) Len() int { return len(r.entries) }

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default is the built-in SAE J1979 table plus the bundled vehicle
// profiles. It is built on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		b := NewBuilder()
		addStandard(b)
		addProfiles(b)
		reg, err := b.Build()
		if err != nil {
			panic(err)
		}
		defaultReg = reg
	})
	return defaultReg
}
