package inventory

import (
	"os"
	"path/filepath"
	"testing"

	"pvefleet/internal/fleet"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleInventory = `
all:
  vars:
    ansible_user: ubuntu
    ansible_port: 22
  children:
    gpu_workers:
      vars:
        proxmox_node: pve-gpu
        ansible_ssh_private_key_file: ~/.ssh/gpu
      hosts:
        gpu-worker-002:
          vmid: 251
          ansible_host: 10.0.0.12
        gpu-worker-001:
          vmid: 250
          ansible_host: 10.0.0.11
          ansible_user: root
        gpu-worker-003:
          vmid: "252"
    control:
      hosts:
        controller:
          vmid: 200
          ansible_port: 2222
`

func mustParse(t *testing.T) *Inventory {
	t.Helper()
	inv, err := Parse([]byte(sampleInventory), "pve1")
	require.NoError(t, err)
	return inv
}

func TestParseInheritsGroupVars(t *testing.T) {
	inv := mustParse(t)

	h, ok := inv.Host("gpu-worker-001")
	require.True(t, ok)
	assert.Equal(t, 250, h.VMID)
	assert.Equal(t, "pve-gpu", h.Node)
	assert.Equal(t, "root", h.User, "host var overrides inherited group var")
	assert.Equal(t, "~/.ssh/gpu", h.KeyFile)
	assert.Equal(t, "10.0.0.11:22", h.SSHAddress())
	assert.Equal(t, []string{"all", "gpu_workers"}, h.Groups)

	c, ok := inv.Host("controller")
	require.True(t, ok)
	assert.Equal(t, "pve1", c.Node, "default node applies when no proxmox_node is set")
	assert.Equal(t, "ubuntu", c.User)
	assert.Equal(t, "controller:2222", c.SSHAddress())

	s, ok := inv.ByID(252)
	require.True(t, ok)
	assert.Equal(t, "gpu-worker-003", s.Name)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid yaml", "all: [unclosed"},
		{"empty", ""},
		{"missing vmid", "all:\n  hosts:\n    a:\n      ansible_host: x\n"},
		{"vmid below minimum", "all:\n  hosts:\n    a:\n      vmid: 42\n"},
		{"duplicate vmid", "all:\n  hosts:\n    a:\n      vmid: 300\n    b:\n      vmid: 300\n"},
		{"bad port", "all:\n  hosts:\n    a:\n      vmid: 300\n      ansible_port: ssh\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), "pve1")
			require.Error(t, err)
			assert.Equal(t, fleet.KindConfiguration, fleet.KindOf(err))
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"), "pve1")
	require.Error(t, err)
	assert.Equal(t, fleet.KindConfiguration, fleet.KindOf(err))
}

func TestLoadFromFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "inventory.yml")
	require.NoError(t, os.WriteFile(p, []byte(sampleInventory), 0o600))

	inv, err := Load(p, "pve1")
	require.NoError(t, err)
	assert.Len(t, inv.Hosts(), 4)
	assert.Contains(t, inv.Groups(), "gpu_workers")
}

func TestParseSelector(t *testing.T) {
	tests := []struct {
		in      string
		want    Selector
		wantErr bool
	}{
		{in: "ids:250,251", want: Selector{IDs: []int{250, 251}}},
		{in: "250, 252", want: Selector{IDs: []int{250, 252}}},
		{in: "name-glob:gpu-*", want: Selector{Glob: "gpu-*"}},
		{in: "group:gpu_workers", want: Selector{Group: "gpu_workers"}},
		{in: "gpu_workers", want: Selector{Group: "gpu_workers"}},
		{in: "", wantErr: true},
		{in: "ids:", wantErr: true},
		{in: "ids:25x", wantErr: true},
		{in: "name-glob:[", wantErr: true},
		{in: "group:", wantErr: true},
		{in: "tag:gpu", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSelector(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, fleet.KindConfiguration, fleet.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelectorString(t *testing.T) {
	assert.Equal(t, "ids:250,251", Selector{IDs: []int{250, 251}}.String())
	assert.Equal(t, "name-glob:gpu-*", Selector{Glob: "gpu-*"}.String())
	assert.Equal(t, "group:control", Selector{Group: "control"}.String())
}

func TestResolveIDsKeepOrderAndDedupe(t *testing.T) {
	inv := mustParse(t)

	res, err := inv.Resolve(Selector{IDs: []int{252, 250, 252, 999}})
	require.NoError(t, err)
	assert.Equal(t, []int{252, 250}, res.IDs())
	assert.Equal(t, []int{999}, res.Unknown)
}

func TestResolveGlobSortedByName(t *testing.T) {
	inv := mustParse(t)

	res, err := inv.Resolve(Selector{Glob: "gpu-*"})
	require.NoError(t, err)
	assert.Equal(t, []int{250, 251, 252}, res.IDs())

	res, err = inv.Resolve(Selector{Glob: "*"})
	require.NoError(t, err)
	assert.Equal(t, []int{200, 250, 251, 252}, res.IDs())
}

func TestResolveGroup(t *testing.T) {
	inv := mustParse(t)

	res, err := inv.Resolve(Selector{Group: "control"})
	require.NoError(t, err)
	assert.Equal(t, []int{200}, res.IDs())

	res, err = inv.Resolve(Selector{Group: "all"})
	require.NoError(t, err)
	assert.Len(t, res.Targets, 4)
}

func TestResolvePrecedence(t *testing.T) {
	inv := mustParse(t)

	res, err := inv.Resolve(Selector{IDs: []int{200}, Glob: "gpu-*", Group: "gpu_workers"})
	require.NoError(t, err)
	assert.Equal(t, []int{200}, res.IDs())

	res, err = inv.Resolve(Selector{Glob: "controller", Group: "gpu_workers"})
	require.NoError(t, err)
	assert.Equal(t, []int{200}, res.IDs())
}

func TestResolveErrors(t *testing.T) {
	inv := mustParse(t)

	_, err := inv.Resolve(Selector{Group: "storage"})
	assert.Equal(t, fleet.KindConfiguration, fleet.KindOf(err))

	_, err = inv.Resolve(Selector{Glob: "db-*"})
	assert.Equal(t, fleet.KindConfiguration, fleet.KindOf(err))

	_, err = inv.Resolve(Selector{})
	assert.Equal(t, fleet.KindConfiguration, fleet.KindOf(err))
}

func TestGroupMembershipIncludesDirectHosts(t *testing.T) {
	inv, err := Parse([]byte(`
all:
  children:
    gpu:
      hosts:
        w1: {vmid: 250}
      children:
        gpu_a100:
          hosts:
            w2: {vmid: 251}
`), "pve1")
	require.NoError(t, err)

	gpu, err := inv.Group("gpu")
	require.NoError(t, err)
	assert.Len(t, gpu, 2, "direct hosts and child group hosts both belong to the group")

	w1, ok := inv.Host("w1")
	require.True(t, ok)
	assert.Equal(t, []string{"all", "gpu"}, w1.Groups)
	w2, ok := inv.Host("w2")
	require.True(t, ok)
	assert.Equal(t, []string{"all", "gpu", "gpu_a100"}, w2.Groups)

	res, err := inv.Resolve(Selector{Group: "gpu"})
	require.NoError(t, err)
	assert.Equal(t, []int{250, 251}, res.IDs())
}
