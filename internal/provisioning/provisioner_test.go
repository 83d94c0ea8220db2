package provisioning_test

import (
	"context"
	"math"
	"time"

	"pvefleet/internal/batch"
	"pvefleet/internal/fleet"
	"pvefleet/internal/hypervisor/hypervisortest"
	"pvefleet/internal/provisioning"
	"pvefleet/internal/report"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func outcomes(rep *report.Report) map[int]report.Outcome {
	out := map[int]report.Outcome{}
	for _, e := range rep.Entries() {
		out[e.TargetID] = e.Outcome
	}
	return out
}

var _ = Describe("Plan", func() {
	It("names VMs from the offset, not the id", func() {
		plan, err := provisioning.NewPlan(fleet.ProvisioningRequest{
			Count: 3, StartingID: 300, TemplateID: 9000, Node: "pve1", Storage: "local-lvm",
		}, "gpu-worker")
		Expect(err).NotTo(HaveOccurred())
		Expect(plan.IDs()).To(Equal([]int{300, 301, 302}))
		Expect(plan.Names()).To(Equal([]string{"gpu-worker-001", "gpu-worker-002", "gpu-worker-003"}))
	})

	It("rejects invalid requests", func() {
		_, err := provisioning.NewPlan(fleet.ProvisioningRequest{Count: 0, StartingID: 250, TemplateID: 9000, Node: "pve1", Storage: "s"}, "gpu-worker")
		Expect(fleet.KindOf(err)).To(Equal(fleet.KindConfiguration))

		_, err = provisioning.NewPlan(fleet.ProvisioningRequest{Count: 2, StartingID: 250, TemplateID: 9000, Node: "pve1", Storage: "s"}, "")
		Expect(fleet.KindOf(err)).To(Equal(fleet.KindConfiguration))
	})

	It("rejects counts that run past the highest vm id without allocating", func() {
		_, err := provisioning.NewPlan(fleet.ProvisioningRequest{
			Count: math.MaxInt, StartingID: 250, TemplateID: 9000, Node: "pve1", Storage: "s",
		}, "gpu-worker")
		Expect(fleet.KindOf(err)).To(Equal(fleet.KindConfiguration))
	})
})

var _ = Describe("Provisioner", func() {
	var (
		hv       *hypervisortest.Fake
		registry *fleet.Registry
		prov     *provisioning.Provisioner
		req      fleet.ProvisioningRequest
	)

	BeforeEach(func() {
		hv = hypervisortest.New()
		hv.AddTemplate(9000, "gpu-template", "pve1")
		registry = fleet.NewRegistry()
		prov = provisioning.New(hv, registry, batch.New(4), provisioning.Options{
			NamePrefix:   "gpu-worker",
			FullClone:    true,
			CloneTimeout: time.Second,
			StartTimeout: time.Second,
		})
		req = fleet.ProvisioningRequest{Count: 3, StartingID: 250, TemplateID: 9000, Node: "pve1", Storage: "local-lvm"}
	})

	Context("when all ids are free", func() {
		It("clones and starts every VM", func() {
			rep, err := prov.Provision(context.Background(), req)
			Expect(err).NotTo(HaveOccurred())

			entries := rep.Entries()
			Expect(entries).To(HaveLen(3))
			for i, e := range entries {
				Expect(e.TargetID).To(Equal(250 + i))
				Expect(e.Outcome).To(Equal(report.Success))
			}
			Expect(entries[0].Name).To(Equal("gpu-worker-001"))
			Expect(entries[2].Name).To(Equal("gpu-worker-003"))

			for _, id := range []int{250, 251, 252} {
				vm, ok := hv.VM(id)
				Expect(ok).To(BeTrue())
				Expect(vm.Status).To(Equal("running"))

				rec, _ := registry.Get(id)
				Expect(rec.State).To(Equal(fleet.StateRunning))
				Expect(rec.TemplateID).To(Equal(9000))
				Expect(registry.History(id)).To(Equal([]fleet.VMState{
					fleet.StateUnprovisioned, fleet.StateCloning, fleet.StateStopped, fleet.StateStarting, fleet.StateRunning,
				}))
			}
			Expect(hv.CallsTo("ConfigureVM")).To(BeEmpty())
		})

		It("resizes clones before starting them", func() {
			req.Count = 1
			req.Cores = 16
			req.MemoryMB = 65536

			_, err := prov.Provision(context.Background(), req)
			Expect(err).NotTo(HaveOccurred())

			cores, mem, ok := hv.Configured(250)
			Expect(ok).To(BeTrue())
			Expect(cores).To(Equal(16))
			Expect(mem).To(Equal(65536))
		})
	})

	Context("when a planned id already exists", func() {
		It("fails before any mutating call", func() {
			hv.AddVM(251, "someone-else", "pve1", "running")

			rep, err := prov.Provision(context.Background(), req)
			Expect(rep).To(BeNil())
			Expect(fleet.KindOf(err)).To(Equal(fleet.KindConfiguration))
			Expect(err.Error()).To(ContainSubstring("251"))
			Expect(hv.MutatingCalls()).To(BeZero())
			Expect(registry.Records()).To(BeEmpty())
		})
	})

	Context("when the template is missing", func() {
		It("fails before any mutating call", func() {
			req.TemplateID = 9100

			_, err := prov.Provision(context.Background(), req)
			Expect(fleet.KindOf(err)).To(Equal(fleet.KindConfiguration))
			Expect(hv.MutatingCalls()).To(BeZero())
		})

		It("refuses a regular VM as template", func() {
			hv.AddVM(9100, "not-a-template", "pve1", "stopped")
			req.TemplateID = 9100

			_, err := prov.Provision(context.Background(), req)
			Expect(err).To(MatchError(ContainSubstring("not a template")))
			Expect(hv.MutatingCalls()).To(BeZero())
		})
	})

	Context("when the cluster rejects the token", func() {
		It("returns the authentication error unchanged", func() {
			hv.ListErr = fleet.AuthenticationError("list vms", "API token rejected", nil)

			_, err := prov.Provision(context.Background(), req)
			Expect(fleet.KindOf(err)).To(Equal(fleet.KindAuthentication))
		})
	})

	Context("when one VM fails", func() {
		It("isolates a clone failure and skips that VM's start", func() {
			hv.CloneErr[251] = fleet.PermanentError("clone vm 251", "storage full", nil)

			rep, err := prov.Provision(context.Background(), req)
			Expect(err).To(HaveOccurred())

			var pf *fleet.PartialFailureError
			Expect(err).To(BeAssignableToTypeOf(pf))
			Expect(rep.NotSucceeded()).To(Equal([]int{251}))
			Expect(outcomes(rep)).To(Equal(map[int]report.Outcome{
				250: report.Success, 251: report.Failed, 252: report.Success,
			}))
			Expect(rep.Entries()[1].Message).To(Equal("clone vm 251: storage full"))
			Expect(hv.CallsTo("StartVM")).NotTo(ContainElement(251))

			rec, _ := registry.Get(251)
			Expect(rec.State).To(Equal(fleet.StateError))
		})

		It("records a start timeout as TimedOut", func() {
			hv.StartErr[252] = fleet.TimeoutError("start vm 252", "task did not finish")

			rep, err := prov.Provision(context.Background(), req)
			Expect(err).To(HaveOccurred())
			Expect(outcomes(rep)[252]).To(Equal(report.TimedOut))
			Expect(outcomes(rep)[250]).To(Equal(report.Success))
		})
	})

	Context("when the run is cancelled", func() {
		It("still records exactly one entry per planned VM", func() {
			hv.Delay = 200 * time.Millisecond
			prov = provisioning.New(hv, registry, batch.New(1), provisioning.Options{
				NamePrefix: "gpu-worker", CloneTimeout: time.Second, StartTimeout: time.Second,
			})

			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				time.Sleep(50 * time.Millisecond)
				cancel()
			}()

			rep, err := prov.Provision(ctx, req)
			Expect(err).To(HaveOccurred())
			Expect(rep.Len()).To(Equal(3))

			o := outcomes(rep)
			Expect(o[250]).To(Equal(report.Incomplete))
			Expect(o[251]).To(Equal(report.Skipped))
			Expect(o[252]).To(Equal(report.Skipped))
		})
	})

	Context("when runs use different starting ids", func() {
		It("reuses names across runs because names follow the offset", func() {
			first := req
			first.Count = 1
			_, err := prov.Provision(context.Background(), first)
			Expect(err).NotTo(HaveOccurred())

			second := first
			second.StartingID = 260
			_, err = prov.Provision(context.Background(), second)
			Expect(err).NotTo(HaveOccurred())

			a, _ := hv.VM(250)
			b, _ := hv.VM(260)
			Expect(a.Name).To(Equal("gpu-worker-001"))
			Expect(b.Name).To(Equal(a.Name))
		})
	})
})
