package inventory

import (
	"fmt"
	"path"

	"pvefleet/internal/fleet"
)

// Resolution is the outcome of resolving a selector.
type Resolution struct {
	// Targets are the hosts to act upon, deduplicated and deterministically ordered.
	Targets []Host
	// Unknown holds explicit ids that are not in the inventory.
	Unknown []int
}

// IDs returns the vm ids of the resolved targets in order.
func (r Resolution) IDs() []int {
	ids := make([]int, len(r.Targets))
	for i, h := range r.Targets {
		ids[i] = h.VMID
	}
	return ids
}

// Resolve turns sel into an ordered target list. Explicit ids keep their
// given order; glob and group matches are sorted by host name.
func (inv *Inventory) Resolve(sel Selector) (Resolution, error) {
	var res Resolution

	switch {
	case len(sel.IDs) > 0:
		seen := make(map[int]struct{}, len(sel.IDs))
		for _, id := range sel.IDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if h, ok := inv.ByID(id); ok {
				res.Targets = append(res.Targets, h)
			} else {
				res.Unknown = append(res.Unknown, id)
			}
		}
	case sel.Glob != "":
		for _, h := range inv.Hosts() {
			ok, err := path.Match(sel.Glob, h.Name)
			if err != nil {
				return Resolution{}, fleet.ConfigurationError("resolve targets", fmt.Sprintf("invalid name glob %q", sel.Glob), err)
			}
			if ok {
				res.Targets = append(res.Targets, h)
			}
		}
	case sel.Group != "":
		hosts, err := inv.Group(sel.Group)
		if err != nil {
			return Resolution{}, err
		}
		res.Targets = hosts
	default:
		return Resolution{}, fleet.ConfigurationError("resolve targets", "selector is empty", nil)
	}

	if len(res.Targets) == 0 && len(res.Unknown) == 0 {
		return Resolution{}, fleet.ConfigurationError("resolve targets", fmt.Sprintf("selector %q matched no hosts", sel), nil)
	}
	return res, nil
}
