// Package inventory loads an Ansible YAML inventory and resolves target
// selectors against it.
package inventory

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"pvefleet/internal/fleet"

	"gopkg.in/yaml.v3"
)

// Host variables understood by the loader.
const (
	VarVMID    = "vmid"
	VarNode    = "proxmox_node"
	VarAddress = "ansible_host"
	VarUser    = "ansible_user"
	VarPort    = "ansible_port"
	VarKeyFile = "ansible_ssh_private_key_file"
)

// Host is one inventory host with its effective connection parameters.
type Host struct {
	Name    string
	VMID    int
	Node    string
	Address string
	User    string
	Port    int
	KeyFile string
	Groups  []string
}

// SSHAddress returns host:port for automation, falling back to the host name.
func (h Host) SSHAddress() string {
	addr := h.Address
	if addr == "" {
		addr = h.Name
	}
	port := h.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// Inventory is the immutable host/group topology loaded at startup.
type Inventory struct {
	hosts  map[string]Host
	byID   map[int]string
	groups map[string][]string
}

type groupDef struct {
	Vars     map[string]any       `yaml:"vars"`
	Hosts    map[string]hostVars  `yaml:"hosts"`
	Children map[string]*groupDef `yaml:"children"`
}

type hostVars map[string]any

type weightedVar struct {
	value any
	depth int
}

const hostDepth = 1 << 20

// Load reads and parses the inventory at path. Hosts without proxmox_node
// use defaultNode.
func Load(path, defaultNode string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fleet.ConfigurationError("load inventory", "failed to read "+path, err)
	}
	return Parse(data, defaultNode)
}

// Parse builds an Inventory from YAML bytes.
func Parse(data []byte, defaultNode string) (*Inventory, error) {
	var root map[string]*groupDef
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fleet.ConfigurationError("parse inventory", "invalid YAML", err)
	}
	if len(root) == 0 {
		return nil, fleet.ConfigurationError("parse inventory", "inventory defines no groups", nil)
	}

	b := &builder{
		vars:    make(map[string]map[string]weightedVar),
		members: make(map[string]map[string]struct{}),
		groups:  make(map[string][]string),
	}
	for _, name := range sortedKeys(root) {
		if err := b.walk(name, root[name], nil, 0); err != nil {
			return nil, err
		}
	}
	return b.build(defaultNode)
}

type builder struct {
	// effective vars per host
	vars map[string]map[string]weightedVar
	// group name -> member host set, descendants included
	members map[string]map[string]struct{}
	// host -> groups it appears in directly or through a parent
	groups map[string][]string
}

func (b *builder) walk(name string, g *groupDef, inherited map[string]weightedVar, depth int) error {
	if g == nil {
		g = &groupDef{}
	}
	if _, ok := b.members[name]; !ok {
		b.members[name] = make(map[string]struct{})
	}

	scope := make(map[string]weightedVar, len(inherited)+len(g.Vars))
	for k, v := range inherited {
		scope[k] = v
	}
	for k, v := range g.Vars {
		scope[k] = weightedVar{value: v, depth: depth}
	}

	for _, hostName := range sortedKeys(g.Hosts) {
		b.addHost(hostName, g.Hosts[hostName], scope)
		b.members[name][hostName] = struct{}{}
	}

	for _, childName := range sortedKeys(g.Children) {
		if childName == name {
			return fleet.ConfigurationError("parse inventory", fmt.Sprintf("group %q lists itself as a child", name), nil)
		}
		if err := b.walk(childName, g.Children[childName], scope, depth+1); err != nil {
			return err
		}
		for h := range b.members[childName] {
			b.members[name][h] = struct{}{}
		}
	}

	for h := range b.members[name] {
		if !slices.Contains(b.groups[h], name) {
			b.groups[h] = append(b.groups[h], name)
		}
	}
	return nil
}

func (b *builder) addHost(name string, own hostVars, scope map[string]weightedVar) {
	eff, ok := b.vars[name]
	if !ok {
		eff = make(map[string]weightedVar)
		b.vars[name] = eff
	}
	for k, v := range scope {
		if cur, set := eff[k]; !set || v.depth > cur.depth {
			eff[k] = v
		}
	}
	for k, v := range own {
		eff[k] = weightedVar{value: v, depth: hostDepth}
	}
}

func (b *builder) build(defaultNode string) (*Inventory, error) {
	inv := &Inventory{
		hosts:  make(map[string]Host, len(b.vars)),
		byID:   make(map[int]string, len(b.vars)),
		groups: make(map[string][]string, len(b.members)),
	}

	for _, name := range sortedKeys(b.vars) {
		h, err := hostFromVars(name, b.vars[name], defaultNode)
		if err != nil {
			return nil, err
		}
		if other, dup := inv.byID[h.VMID]; dup {
			return nil, fleet.ConfigurationError("parse inventory",
				fmt.Sprintf("vmid %d is used by both %q and %q", h.VMID, other, name), nil)
		}
		h.Groups = slices.Sorted(slices.Values(b.groups[name]))
		inv.hosts[name] = h
		inv.byID[h.VMID] = name
	}

	for group, set := range b.members {
		names := make([]string, 0, len(set))
		for h := range set {
			names = append(names, h)
		}
		slices.Sort(names)
		inv.groups[group] = names
	}
	// "all" always covers every host.
	inv.groups["all"] = sortedKeys(inv.hosts)
	return inv, nil
}

func hostFromVars(name string, vars map[string]weightedVar, defaultNode string) (Host, error) {
	h := Host{Name: name, Node: defaultNode}

	raw, ok := vars[VarVMID]
	if !ok {
		return Host{}, fleet.ConfigurationError("parse inventory", fmt.Sprintf("host %q has no %s", name, VarVMID), nil)
	}
	id, err := toInt(raw.value)
	if err != nil || id < fleet.MinVMID || id > fleet.MaxVMID {
		return Host{}, fleet.ConfigurationError("parse inventory",
			fmt.Sprintf("host %q has invalid %s %v", name, VarVMID, raw.value), err)
	}
	h.VMID = id

	if v, ok := vars[VarNode]; ok {
		h.Node = toString(v.value)
	}
	if v, ok := vars[VarAddress]; ok {
		h.Address = toString(v.value)
	}
	if v, ok := vars[VarUser]; ok {
		h.User = toString(v.value)
	}
	if v, ok := vars[VarKeyFile]; ok {
		h.KeyFile = toString(v.value)
	}
	if v, ok := vars[VarPort]; ok {
		port, err := toInt(v.value)
		if err != nil {
			return Host{}, fleet.ConfigurationError("parse inventory",
				fmt.Sprintf("host %q has invalid %s %v", name, VarPort, v.value), err)
		}
		h.Port = port
	}
	return h, nil
}

// Hosts returns every host sorted by name.
func (inv *Inventory) Hosts() []Host {
	out := make([]Host, 0, len(inv.hosts))
	for _, name := range sortedKeys(inv.hosts) {
		out = append(out, inv.hosts[name])
	}
	return out
}

// Host returns the host with the given name.
func (inv *Inventory) Host(name string) (Host, bool) {
	h, ok := inv.hosts[name]
	return h, ok
}

// ByID returns the host carrying vmid id.
func (inv *Inventory) ByID(id int) (Host, bool) {
	name, ok := inv.byID[id]
	if !ok {
		return Host{}, false
	}
	return inv.hosts[name], true
}

// Group returns the members of group sorted by name.
func (inv *Inventory) Group(group string) ([]Host, error) {
	names, ok := inv.groups[group]
	if !ok {
		return nil, fleet.ConfigurationError("resolve targets", fmt.Sprintf("unknown group %q", group), nil)
	}
	out := make([]Host, 0, len(names))
	for _, n := range names {
		out = append(out, inv.hosts[n])
	}
	return out, nil
}

// Groups returns all group names sorted.
func (inv *Inventory) Groups() []string {
	return sortedKeys(inv.groups)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int(n), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(n))
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
