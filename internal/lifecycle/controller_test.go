package lifecycle_test

import (
	"context"
	"time"

	"pvefleet/internal/batch"
	"pvefleet/internal/fleet"
	"pvefleet/internal/hypervisor/hypervisortest"
	"pvefleet/internal/inventory"
	"pvefleet/internal/lifecycle"
	"pvefleet/internal/logging"
	"pvefleet/internal/report"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testInventory = `
all:
  vars:
    proxmox_node: pve1
  children:
    gpu_workers:
      hosts:
        gpu-worker-001: {vmid: 250}
        gpu-worker-002: {vmid: 251}
        gpu-worker-003: {vmid: 252}
`

var _ = Describe("Controller", func() {
	var (
		hv       *hypervisortest.Fake
		registry *fleet.Registry
		ctrl     *lifecycle.Controller
		inv      *inventory.Inventory
		logs     *observer.ObservedLogs
	)

	resolve := func(selector string) inventory.Resolution {
		sel, err := inventory.ParseSelector(selector)
		Expect(err).NotTo(HaveOccurred())
		res, err := inv.Resolve(sel)
		Expect(err).NotTo(HaveOccurred())
		return res
	}

	BeforeEach(func() {
		var core zapcore.Core
		core, logs = observer.New(zapcore.DebugLevel)
		logging.SetLogger(zap.New(core))

		var err error
		inv, err = inventory.Parse([]byte(testInventory), "pve-default")
		Expect(err).NotTo(HaveOccurred())

		hv = hypervisortest.New()
		hv.AddVM(250, "gpu-worker-001", "pve1", "running")
		hv.AddVM(251, "gpu-worker-002", "pve1", "running")
		hv.AddVM(252, "gpu-worker-003", "pve1", "running")

		registry = fleet.NewRegistry()
		ctrl = lifecycle.New(hv, registry, batch.New(3), lifecycle.Options{
			StartTimeout:    time.Second,
			StopTimeout:     time.Second,
			ShutdownTimeout: 50 * time.Millisecond,
		})
	})

	Describe("Stop", func() {
		It("escalates a VM that ignores graceful shutdown", func() {
			hv.StuckShutdown[251] = true

			rep, err := ctrl.Stop(context.Background(), resolve("name-glob:*"), false)
			Expect(err).NotTo(HaveOccurred())

			entries := rep.Entries()
			Expect(entries).To(HaveLen(3))
			for _, e := range entries {
				Expect(e.Outcome).To(Equal(report.Success))
			}
			Expect(entries[0].Warning).To(BeEmpty())
			Expect(entries[1].Warning).To(ContainSubstring("forced stop"))
			Expect(entries[2].Warning).To(BeEmpty())

			Expect(hv.CallsTo("StopVM")).To(Equal([]int{251}))
			for _, id := range []int{250, 251, 252} {
				vm, _ := hv.VM(id)
				Expect(vm.Status).To(Equal("stopped"))
			}

			escalations := logs.FilterMessage("graceful shutdown did not complete, escalating to forced stop").All()
			Expect(escalations).To(HaveLen(1))
			Expect(escalations[0].Level).To(Equal(zapcore.WarnLevel))
			Expect(escalations[0].ContextMap()["vmid"]).To(BeEquivalentTo(251))

			Expect(registry.History(251)).To(Equal([]fleet.VMState{fleet.StateRunning, fleet.StateStopping, fleet.StateStopped}))
		})

		It("skips graceful shutdown with force", func() {
			rep, err := ctrl.Stop(context.Background(), resolve("ids:250"), true)
			Expect(err).NotTo(HaveOccurred())
			Expect(rep.Entries()[0].Warning).To(BeEmpty())
			Expect(hv.CallsTo("ShutdownVM")).To(BeEmpty())
			Expect(hv.CallsTo("StopVM")).To(Equal([]int{250}))
		})

		It("treats an already stopped VM as success without transitions", func() {
			hv.AddVM(252, "gpu-worker-003", "pve1", "stopped")

			rep, err := ctrl.Stop(context.Background(), resolve("ids:252"), false)
			Expect(err).NotTo(HaveOccurred())
			Expect(rep.Entries()[0].Message).To(Equal("already stopped"))
			Expect(hv.MutatingCalls()).To(BeZero())
		})

		It("reports a failed forced stop", func() {
			hv.StuckShutdown[250] = true
			hv.StopErr[250] = fleet.PermanentError("stop vm 250", "vm is locked (backup)", nil)

			rep, err := ctrl.Stop(context.Background(), resolve("ids:250,251"), false)
			Expect(err).To(HaveOccurred())
			Expect(rep.NotSucceeded()).To(Equal([]int{250}))
			Expect(rep.Entries()[0].Outcome).To(Equal(report.Failed))
			Expect(rep.Entries()[0].Message).To(ContainSubstring("vm is locked"))

			rec, _ := registry.Get(250)
			Expect(rec.State).To(Equal(fleet.StateError))
		})
	})

	Describe("Start", func() {
		It("starts stopped VMs and leaves running ones alone", func() {
			hv.AddVM(250, "gpu-worker-001", "pve1", "stopped")

			rep, err := ctrl.Start(context.Background(), resolve("group:gpu_workers"))
			Expect(err).NotTo(HaveOccurred())
			Expect(rep.Len()).To(Equal(3))
			Expect(hv.CallsTo("StartVM")).To(Equal([]int{250}))
			Expect(rep.Entries()[1].Message).To(Equal("already running"))

			Expect(registry.History(250)).To(Equal([]fleet.VMState{fleet.StateStopped, fleet.StateStarting, fleet.StateRunning}))
		})

		It("records unknown ids as skipped and keeps going", func() {
			hv.AddVM(250, "gpu-worker-001", "pve1", "stopped")

			rep, err := ctrl.Start(context.Background(), resolve("ids:999,250"))
			Expect(err).To(HaveOccurred())

			entries := rep.Entries()
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].TargetID).To(Equal(250))
			Expect(entries[0].Outcome).To(Equal(report.Success))
			Expect(entries[1].TargetID).To(Equal(999))
			Expect(entries[1].Outcome).To(Equal(report.Skipped))
		})

		It("isolates a failing VM", func() {
			for _, id := range []int{250, 251, 252} {
				hv.AddVM(id, "", "pve1", "stopped")
			}
			hv.StartErr[251] = fleet.TransientError("start vm 251", "API unreachable", nil)

			rep, err := ctrl.Start(context.Background(), resolve("name-glob:gpu-*"))
			var pf *fleet.PartialFailureError
			Expect(err).To(BeAssignableToTypeOf(pf))
			Expect(rep.NotSucceeded()).To(Equal([]int{251}))
			Expect(hv.CallsTo("StartVM")).To(ConsistOf(250, 251, 252))
		})
	})

	Describe("Status", func() {
		It("is read-only", func() {
			rep, err := ctrl.Status(context.Background(), resolve("name-glob:gpu-*"))
			Expect(err).NotTo(HaveOccurred())
			Expect(rep.Len()).To(Equal(3))
			Expect(rep.Entries()[0].Message).To(Equal("running"))

			Expect(hv.MutatingCalls()).To(BeZero())
			Expect(registry.Records()).To(BeEmpty())
		})

		It("reports lookup failures per target", func() {
			hv.StatusErr[252] = fleet.PermanentError("status vm 252", "API returned 500: no such VM", nil)

			rep, err := ctrl.Status(context.Background(), resolve("name-glob:gpu-*"))
			Expect(err).To(HaveOccurred())
			Expect(rep.NotSucceeded()).To(Equal([]int{252}))
		})
	})
})
