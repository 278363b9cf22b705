package vmm

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/felixge/fgprof"
	"github.com/pkg/profile"

	"github.com/gosmp/gosmp/firmware"
	"github.com/gosmp/gosmp/machine"
)

type Config struct {
	Topology firmware.Shape
	MemSize  int
	Pin      bool
	Timer    time.Duration
	Wedge    []uint32
	Disabled []uint32

	// Profile, when set, writes a CPU profile into this directory
	// for the lifetime of the machine.
	Profile string

	// Debug, when set, serves pprof and fgprof on this address.
	Debug string

	// Demo, when nonzero, runs the demo workload at this period.
	Demo time.Duration
}

type VMM struct {
	*machine.Machine
	Config

	prof interface{ Stop() }
	ln   net.Listener

	demoStop chan struct{}
	demoDone chan struct{}
}

func New(c Config) *VMM {
	return &VMM{Config: c}
}

// Init instantiates the machine.
func (v *VMM) Init() error {
	m, err := machine.New(machine.Config{
		Shape:    v.Topology,
		MemSize:  v.MemSize,
		Pin:      v.Pin,
		Timer:    v.Timer,
		Wedge:    v.Wedge,
		Disabled: v.Disabled,
	})
	if err != nil {
		return err
	}

	v.Machine = m

	return nil
}

// Boot starts profiling if asked for, then brings the cores up.
func (v *VMM) Boot() error {
	if v.Profile != "" {
		v.prof = profile.Start(profile.ProfilePath(v.Profile), profile.NoShutdownHook)
	}

	if v.Debug != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.Handle("/debug/fgprof", fgprof.Handler())

		go func() {
			if err := http.ListenAndServe(v.Debug, mux); err != nil {
				log.Printf("vmm: debug server: %v", err)
			}
		}()

		log.Printf("vmm: pprof and fgprof on http://%s/debug/", v.Debug)
	}

	if err := v.Machine.Boot(); err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	if v.Demo > 0 {
		v.startDemo(v.Demo)
	}

	return nil
}

// Serve publishes the control socket and blocks until every core has
// exited, after a QUIT command or a panic.
func (v *VMM) Serve(socket string) error {
	path, err := v.StartControlSocket(socket)
	if err != nil {
		return err
	}

	log.Printf("vmm: control socket at %s", path)

	return v.Machine.Wait()
}

// Close tears the machine down, closes the control socket and stops
// profiling.
func (v *VMM) Close() error {
	v.stopDemo()

	var err error

	if v.Machine != nil {
		err = v.Machine.Shutdown()
	}

	if v.ln != nil {
		_ = v.ln.Close()
	}

	if v.prof != nil {
		v.prof.Stop()
	}

	return err
}
