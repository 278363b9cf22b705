package flag

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"

	"github.com/gosmp/gosmp/cpuid"
	"github.com/gosmp/gosmp/firmware"
	"github.com/gosmp/gosmp/topology"
	"github.com/gosmp/gosmp/vmm"
)

var (
	errNoTarget      = errors.New("need --pid or --socket to find the instance")
	errNoFeatureLeaf = errors.New("no function 1 leaf in the table")
)

type CLI struct {
	Boot BootCMD `cmd:"" help:"Boot a machine and serve its control socket."`
	Topo TopoCMD `cmd:"" help:"Print the topology and features a shape decodes to."`
	Dump DumpCMD `cmd:"" help:"Fetch state from a running instance."`
}

type BootCMD struct {
	CPUs    string        `short:"c" default:"1x2x2" help:"Topology as packages x cores x threads, or a plain core count."`
	MemSize string        `short:"m" default:"64M" help:"Memory size as number[gGmMkK], defaults to M."`
	Pin     bool          `help:"Pin each core's thread to a host CPU."`
	Timer   time.Duration `help:"Per-core timer tick period, 0 disables the tick."`
	Demo    time.Duration `help:"Run the demo workload at this period: cross calls and versioned-pointer churn."`
	Wedge   []uint32      `help:"APIC IDs whose STARTUP signals are dropped, for boot-timeout testing."`
	Disable []uint32      `help:"APIC IDs marked disabled in the firmware tables, modelling fused-off cores."`
	Profile string        `help:"Write a CPU profile into this directory."`
	Debug   string        `help:"Serve pprof and fgprof on this address."`
	Socket  string        `help:"Control socket path, default /tmp/gosmp-<pid>.sock."`
}

type TopoCMD struct {
	CPUs string `short:"c" default:"1x2x2" help:"Topology as packages x cores x threads, or a plain core count."`
}

type DumpCMD struct {
	PID    int    `short:"p" help:"PID of the running instance."`
	Socket string `help:"Control socket path, overrides --pid."`
	Core   string `help:"Write a framed core dump to this file instead of printing state."`
}

func Parse() error {
	c := CLI{}

	programName := "gosmp"
	programDesc := "gosmp boots a software SMP machine and runs its cores until told to stop"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	err := ctx.Run()

	return err
}

func (s *BootCMD) Run() error {
	shape, err := ParseShape(s.CPUs)
	if err != nil {
		return err
	}

	memSize, err := ParseSize(s.MemSize, "m")
	if err != nil {
		return err
	}

	v := vmm.New(vmm.Config{
		Topology: shape,
		MemSize:  memSize,
		Pin:      s.Pin,
		Timer:    s.Timer,
		Demo:     s.Demo,
		Wedge:    s.Wedge,
		Disabled: s.Disable,
		Profile:  s.Profile,
		Debug:    s.Debug,
	})

	if err := v.Init(); err != nil {
		log.Fatal(err)
	}

	if err := v.Boot(); err != nil {
		log.Fatal(err)
	}

	if err := v.Serve(s.Socket); err != nil {
		log.Fatal(err)
	}

	if r := v.PanicReport(); r != nil {
		_ = v.Dump(os.Stderr)
		_ = v.Close()

		return fmt.Errorf("core %d panicked: %s", r.Core, r.Msg)
	}

	return v.Close()
}

func (p *TopoCMD) Run() error {
	shape, err := ParseShape(p.CPUs)
	if err != nil {
		return err
	}

	if err := shape.Validate(); err != nil {
		return err
	}

	return DescribeShape(os.Stdout, shape)
}

// DescribeShape prints the view a core booted into this shape would have
// of itself: the APIC ID layout, every thread's location and siblings,
// the cache hierarchy and the feature words, all decoded back from the
// synthesized identification leaves.
func DescribeShape(w io.Writer, shape firmware.Shape) error {
	table := firmware.CPUIDTable(shape, shape.BSP())

	info, err := topology.Decode(table)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "shape %s: %d threads, decoded from %s (smt bits %d, core bits %d)\n",
		shape, shape.Threads(), info.Source, info.SMTBits, info.CoreBits)

	ids := shape.APICIDs()

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "apic\tlocation\tthread siblings\tcore siblings")

	for _, id := range ids {
		fmt.Fprintf(tw, "%d\t%s\t%v\t%v\n",
			id, info.Split(id), info.ThreadSiblings(id, ids), info.CoreSiblings(id, ids))
	}

	if err := tw.Flush(); err != nil {
		return err
	}

	for _, c := range topology.Caches(table) {
		fmt.Fprintf(w, "cache: %s\n", c)
	}

	leaf, ok := table.Lookup(0x1, 0)
	if !ok {
		return errNoFeatureLeaf
	}

	edx, _ := cpuid.Enabled(cpuid.AllF1Edx, leaf.EDX)
	ecx, _ := cpuid.Enabled(cpuid.AllF1Ecx, leaf.ECX)

	fmt.Fprintf(w, "features edx: %v\n", edx)
	fmt.Fprintf(w, "features ecx: %v\n", ecx)

	return nil
}

func (d *DumpCMD) Run() error {
	path := d.Socket
	if path == "" {
		if d.PID == 0 {
			return errNoTarget
		}

		path = vmm.SocketPath(d.PID)
	}

	conn, err := net.Dial("unix", path)
	if err != nil {
		return fmt.Errorf("dial %s: %w", path, err)
	}
	defer conn.Close()

	if d.Core != "" {
		return saveCore(conn, d.Core)
	}

	if _, err := conn.Write([]byte("DUMP\n")); err != nil {
		return err
	}

	_, err = io.Copy(os.Stdout, conn)

	return err
}

// saveCore asks for a framed core dump and writes the stream to path
// verbatim, so it can be decoded later with snapshot.ReadCore.
func saveCore(conn net.Conn, path string) error {
	if _, err := conn.Write([]byte("CORE\n")); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	n, err := io.Copy(f, conn)
	if err != nil {
		f.Close()

		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	fmt.Printf("wrote %d bytes to %s\n", n, path)

	return nil
}
