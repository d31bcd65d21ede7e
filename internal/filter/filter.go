// Package filter restricts record sets to allow-listed hosts and archetypes.
package filter

import (
	"errors"
	"strings"
)

// ErrMissingAllowList is returned when a required allow-list is empty.
var ErrMissingAllowList = errors.New("allow-list is required")

// Record is anything carrying a host address and, optionally, an archetype.
// Types without an archetype return ok=false and are not filtered on it.
type Record interface {
	HostAddr() string
	ArchetypeLabel() (label string, ok bool)
}

// Canonicalizer maps a user-supplied label onto the casing records carry.
type Canonicalizer interface {
	Canonical(label string) string
}

// AllowList holds the permitted host IPs and archetype labels.
type AllowList struct {
	ips        map[string]struct{}
	archetypes map[string]struct{}
}

// New builds an AllowList. Archetype labels are normalised through c so that
// "default credentials" matches records labelled "Default credentials".
func New(ips, archetypes []string, c Canonicalizer) (*AllowList, error) {
	a := &AllowList{
		ips:        make(map[string]struct{}, len(ips)),
		archetypes: make(map[string]struct{}, len(archetypes)),
	}
	for _, ip := range ips {
		if ip = strings.TrimSpace(ip); ip != "" {
			a.ips[ip] = struct{}{}
		}
	}
	for _, l := range archetypes {
		if l = strings.TrimSpace(l); l == "" {
			continue
		}
		if c != nil {
			l = c.Canonical(l)
		}
		a.archetypes[l] = struct{}{}
	}
	if len(a.ips) == 0 {
		return nil, errors.Join(ErrMissingAllowList, errors.New("no host IPs given"))
	}
	if len(a.archetypes) == 0 {
		return nil, errors.Join(ErrMissingAllowList, errors.New("no archetypes given"))
	}
	return a, nil
}

// ParseList splits a comma-separated argument, dropping blanks.
func ParseList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (a *AllowList) AllowsIP(ip string) bool {
	_, ok := a.ips[ip]
	return ok
}

func (a *AllowList) AllowsArchetype(label string) bool {
	_, ok := a.archetypes[label]
	return ok
}

// Allows reports whether r passes both dimensions.
func (a *AllowList) Allows(r Record) bool {
	if !a.AllowsIP(r.HostAddr()) {
		return false
	}
	if label, ok := r.ArchetypeLabel(); ok && !a.AllowsArchetype(label) {
		return false
	}
	return true
}

// Apply returns the records a allows, preserving order. The input is not
// modified.
func Apply[T Record](records []T, a *AllowList) []T {
	out := make([]T, 0, len(records))
	for _, r := range records {
		if a.Allows(r) {
			out = append(out, r)
		}
	}
	return out
}

// ApplyIP filters on host address only, ignoring any archetype.
func ApplyIP[T Record](records []T, a *AllowList) []T {
	out := make([]T, 0, len(records))
	for _, r := range records {
		if a.AllowsIP(r.HostAddr()) {
			out = append(out, r)
		}
	}
	return out
}
