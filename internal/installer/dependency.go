package installer

import (
	"fmt"
	"strings"

	"github.com/loykin/carp/internal/config"
)

// RefKind selects how a repository source is pinned.
type RefKind int

const (
	RefTag    RefKind = iota // a named release tag
	RefCommit                // an exact revision; never a branch
)

func (k RefKind) String() string {
	switch k {
	case RefTag:
		return "tag"
	case RefCommit:
		return "commit"
	default:
		return fmt.Sprintf("RefKind(%d)", int(k))
	}
}

// Flag returns the install tool flag that pins this kind of reference.
func (k RefKind) Flag() string {
	if k == RefCommit {
		return "--rev"
	}
	return "--tag"
}

func ParseRefKind(s string) (RefKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tag":
		return RefTag, nil
	case "commit", "rev":
		return RefCommit, nil
	default:
		return 0, fmt.Errorf("unknown reference kind %q", s)
	}
}

// Source is a repository pinned at a tag or revision.
type Source struct {
	URL  string
	Ref  string
	Kind RefKind
}

// Dependency is a required executable. Bin is probed for presence; Package is
// what the install tool is asked for, which need not match Bin.
type Dependency struct {
	Bin     string
	Package string
	Source  *Source
}

// InstallArgs returns the install tool arguments for d.
func (d Dependency) InstallArgs() []string {
	if d.Source == nil {
		return []string{"install", d.Package}
	}
	return []string{"install", "--git", d.Source.URL, d.Source.Kind.Flag(), d.Source.Ref, d.Package}
}

// FromConfig converts configured dependencies, keeping their order.
func FromConfig(cs []config.DependencyConfig) ([]Dependency, error) {
	out := make([]Dependency, 0, len(cs))
	for _, c := range cs {
		d := Dependency{Bin: c.Bin, Package: c.Package}
		if c.Source != nil {
			kind, err := ParseRefKind(c.Source.Kind)
			if err != nil {
				return nil, fmt.Errorf("dependency %s: %w", c.Bin, err)
			}
			d.Source = &Source{URL: c.Source.URL, Ref: c.Source.Ref, Kind: kind}
		}
		out = append(out, d)
	}
	return out, nil
}
