package archgic

import (
	"fmt"

	"github.com/tinyrange/archcore/internal/status"
)

// Options configures Controller.Init. FirmwareInitialized models spec.md
// §4.4's WITH_LIB_SM coexistence: when a secure-monitor firmware already
// brought up the distributor and redistributors, the driver skips that
// bring-up but still performs CPU-interface setup and per-vector
// configuration.
type Options struct {
	FirmwareInitialized bool
}

// cpu bundles one CPU's redistributor and CPU-interface seam.
type cpu struct {
	Redist *Redistributor
	Iface  CPUInterface
}

// Controller is the interrupt controller core: one global Distributor plus
// one cpu entry per CPU in the system. ConfigureIRQLocked is the per-vector
// configuration entry point callers are required to serialize themselves
// (spec.md §4.4 step 3's "_locked" naming).
type Controller struct {
	Dist *Distributor
	cpus []cpu

	opts Options
}

// NewController builds a Controller over dist and one (Redistributor,
// CPUInterface) pair per CPU; the two slices must be the same length,
// indexed by CPU number.
func NewController(dist *Distributor, redists []*Redistributor, ifaces []CPUInterface) (*Controller, error) {
	if len(redists) != len(ifaces) {
		return nil, fmt.Errorf("archgic: %d redistributors but %d CPU interfaces: %w", len(redists), len(ifaces), status.ErrInvalidArgs)
	}
	cpus := make([]cpu, len(redists))
	for i := range redists {
		cpus[i] = cpu{Redist: redists[i], Iface: ifaces[i]}
	}
	return &Controller{Dist: dist, cpus: cpus}, nil
}

// Init runs the bring-up sequence spec.md §4.4 describes: distributor once,
// then redistributor + CPU interface per CPU. Under FirmwareInitialized,
// distributor and redistributor bring-up are skipped but CPU-interface
// setup still runs for every CPU.
func (c *Controller) Init(opts Options) error {
	c.opts = opts

	if !opts.FirmwareInitialized {
		if err := c.Dist.Init(); err != nil {
			return err
		}
	}

	for i := range c.cpus {
		cp := &c.cpus[i]
		if !opts.FirmwareInitialized {
			if err := cp.Redist.InitPerCPU(); err != nil {
				return fmt.Errorf("archgic: cpu %d: %w", i, err)
			}
		}
		cp.Iface.EnableSystemRegisterAccess()
		cp.Iface.EnableGroup(c.Dist.Group)
		cp.Iface.SetPriorityMask(0xFF)
	}

	return nil
}

// ConfigureIRQLocked implements configure_irq_locked (spec.md §4.4 step 3):
// writes the configured group and group-mod bit for vector. Vectors < 32
// (private peripherals) are set in cpu's redistributor; vectors >= 32
// (shared peripherals) are set in the distributor. The caller is
// responsible for excluding concurrent callers of this method.
func (c *Controller) ConfigureIRQLocked(cpuNum, vector int) error {
	if vector < 32 {
		if cpuNum < 0 || cpuNum >= len(c.cpus) {
			return fmt.Errorf("archgic: configure_irq_locked: cpu %d out of range [0,%d): %w", cpuNum, len(c.cpus), status.ErrOutOfRange)
		}
		c.cpus[cpuNum].Redist.setVectorGroup(vector, c.Dist.Group)
		return nil
	}
	if vector >= numVectors {
		return fmt.Errorf("archgic: configure_irq_locked: vector %d out of range [0,%d): %w", vector, numVectors, status.ErrOutOfRange)
	}
	c.Dist.setVectorGroup(vector, c.Dist.Group)
	return nil
}
