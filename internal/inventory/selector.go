package inventory

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"pvefleet/internal/fleet"
)

// Selector prefixes accepted by ParseSelector.
const (
	prefixIDs   = "ids:"
	prefixGlob  = "name-glob:"
	prefixGroup = "group:"
)

// Selector identifies the VMs an operation acts upon. When more than one
// criterion is set, IDs win over Glob and Glob wins over Group.
type Selector struct {
	IDs   []int
	Glob  string
	Group string
}

// ParseSelector parses "ids:250,251", "name-glob:gpu-*" or "group:gpu".
// A bare comma-separated number list is treated as ids, any other bare word
// as a group.
func ParseSelector(s string) (Selector, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Selector{}, fleet.ConfigurationError("parse selector", "selector is empty", nil)
	}

	switch {
	case strings.HasPrefix(s, prefixIDs):
		ids, err := parseIDs(strings.TrimPrefix(s, prefixIDs))
		if err != nil {
			return Selector{}, err
		}
		return Selector{IDs: ids}, nil
	case strings.HasPrefix(s, prefixGlob):
		pattern := strings.TrimPrefix(s, prefixGlob)
		if pattern == "" {
			return Selector{}, fleet.ConfigurationError("parse selector", "name glob is empty", nil)
		}
		if _, err := path.Match(pattern, ""); err != nil {
			return Selector{}, fleet.ConfigurationError("parse selector", fmt.Sprintf("invalid name glob %q", pattern), err)
		}
		return Selector{Glob: pattern}, nil
	case strings.HasPrefix(s, prefixGroup):
		group := strings.TrimPrefix(s, prefixGroup)
		if group == "" {
			return Selector{}, fleet.ConfigurationError("parse selector", "group name is empty", nil)
		}
		return Selector{Group: group}, nil
	}

	if ids, err := parseIDs(s); err == nil {
		return Selector{IDs: ids}, nil
	}
	if strings.ContainsAny(s, ":,") {
		return Selector{}, fleet.ConfigurationError("parse selector", fmt.Sprintf("unrecognised selector %q", s), nil)
	}
	return Selector{Group: s}, nil
}

func parseIDs(list string) ([]int, error) {
	parts := strings.Split(list, ",")
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.Atoi(p)
		if err != nil || id <= 0 {
			return nil, fleet.ConfigurationError("parse selector", fmt.Sprintf("invalid vm id %q", p), err)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fleet.ConfigurationError("parse selector", "id list is empty", nil)
	}
	return ids, nil
}

// String renders the selector in its textual form.
func (s Selector) String() string {
	switch {
	case len(s.IDs) > 0:
		parts := make([]string, len(s.IDs))
		for i, id := range s.IDs {
			parts[i] = strconv.Itoa(id)
		}
		return prefixIDs + strings.Join(parts, ",")
	case s.Glob != "":
		return prefixGlob + s.Glob
	case s.Group != "":
		return prefixGroup + s.Group
	default:
		return ""
	}
}
