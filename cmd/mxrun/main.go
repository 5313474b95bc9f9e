// mxrun loads an ELF executable into a fresh process image and walks it
// through the whole bootstrap protocol, then prints what the new process
// would observe on its first instruction.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ohnx-osdev/magenta/launchpad"
	"github.com/ohnx-osdev/magenta/loadersvc"
	"github.com/ohnx-osdev/magenta/logging"
	"github.com/ohnx-osdev/magenta/mx"
	"github.com/ohnx-osdev/magenta/procargs"
)

var (
	logLevel  = logging.LevelInfo
	libPath   string
	stackSize uint64
	environ   []string
	vdsoPath  string

	rootCmd = &cobra.Command{
		Use:   "mxrun <executable> [args...]",
		Short: "load an ELF image and bootstrap a process around it",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runE,
	}
)

func init() {
	flags := rootCmd.Flags()
	flags.Var(&logLevel, "log.level", "log level")
	flags.StringVar(&libPath, "lib-path", "", "directory served to the dynamic linker")
	flags.Uint64Var(&stackSize, "stack-size", launchpad.DefaultStackSize, "initial thread stack size in bytes")
	flags.StringArrayVarP(&environ, "env", "e", nil, "environment entry KEY=value (repeatable)")
	flags.StringVar(&vdsoPath, "vdso", "", "vDSO image to map alongside the executable")
}

func runE(cmd *cobra.Command, args []string) error {
	logging.Initialize(os.Stderr, logLevel)
	logger := logging.GetLogger("mxrun")

	lp := launchpad.Create(filepath.Base(args[0]))
	defer lp.Destroy()

	if libPath != "" {
		local, remote, err := mx.ChannelCreate()
		if err != nil {
			return err
		}
		srv := loadersvc.NewServer(remote, func(name string) (mx.Handle, error) {
			logger.Debug("loader request", "name", name)
			return launchpad.VMOFromFile(filepath.Join(libPath, name))
		})
		go srv.Serve()
		if old, err := lp.UseLoaderService(local); err != nil {
			return err
		} else if old.IsValid() {
			old.Close()
		}
	}

	lp.SetArgs(args...)
	lp.SetEnviron(environ...)
	lp.SetStackSize(stackSize)

	if vdsoPath != "" {
		vmo, err := launchpad.VMOFromFile(vdsoPath)
		if err != nil {
			return err
		}
		old := launchpad.SetVDSOVMO(vmo)
		if old.IsValid() {
			old.Close()
		}
	}

	if err := lp.LoadFromFile(args[0]); err != nil {
		return err
	}
	entry, err := lp.Entry()
	if err != nil {
		return err
	}
	base, _ := lp.Base()
	logger.Info("image loaded", "base", fmt.Sprintf("%#x", base), "entry", fmt.Sprintf("%#x", entry))

	proc, err := lp.Go()
	if err != nil {
		return err
	}
	defer proc.Close()
	return dump(proc)
}

// dump prints the started thread's register-file view and the decoded
// bootstrap traffic its channel holds.
func dump(proc mx.Handle) error {
	p, err := mx.ProcessOf(proc)
	if err != nil {
		return err
	}
	fmt.Printf("process %q started\n", p.Name())
	for _, thr := range p.Threads() {
		fmt.Printf("thread %q entry=%#x sp=%#x arg2=%#x\n", thr.Name(), thr.Entry(), thr.SP(), thr.Arg2())
		boot := thr.Bootstrap()
		if !boot.IsValid() {
			continue
		}
		for {
			raw, err := mx.ChannelRead(boot)
			if err != nil {
				break
			}
			msg, err := procargs.Parse(raw.Bytes, len(raw.Handles))
			if err != nil {
				mx.CloseAll(raw.Handles...)
				return err
			}
			fmt.Printf("  message: %d bytes, %d handles\n", len(raw.Bytes), len(raw.Handles))
			for i, tag := range msg.Info {
				fmt.Printf("    handle %-2d kind=%#04x arg=%d\n", i, uint32(procargs.InfoType(tag)), procargs.InfoArg(tag))
			}
			for _, a := range msg.Args {
				fmt.Printf("    arg: %s\n", a)
			}
			for _, e := range msg.Environ {
				fmt.Printf("    env: %s\n", e)
			}
			mx.CloseAll(raw.Handles...)
		}
	}
	for _, m := range p.VMAR().Mappings() {
		fmt.Printf("map %#x-%#x prot=%s\n", m.Addr, m.Addr+m.Size, m.Prot)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
