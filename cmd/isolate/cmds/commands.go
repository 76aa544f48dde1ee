package cmds

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/cosiner/argv"
	"github.com/spf13/cobra"

	"github.com/isolate-dbg/isolate/cmd/isolate/cmds/helphelpers"
	"github.com/isolate-dbg/isolate/pkg/argval"
	"github.com/isolate-dbg/isolate/pkg/config"
	"github.com/isolate-dbg/isolate/pkg/logflags"
	"github.com/isolate-dbg/isolate/pkg/proc"
	"github.com/isolate-dbg/isolate/pkg/proc/native"
	"github.com/isolate-dbg/isolate/pkg/terminal"
	"github.com/isolate-dbg/isolate/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// argsScript is a starlark script answering the argument prompts.
	argsScript string
	// noArgs skips the argument prompts.
	noArgs bool
	// tty is used to provide an alternate TTY for the program you wish to debug.
	tty string
	// workingDir is the working directory for running the program.
	workingDir string
	// address is the breakpoint address, as typed by the user.
	address string

	// configList lists the configuration instead of changing it.
	configList bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const isolateCommandLongDesc = `isolate is a minimal debugger for macOS targets.

isolate launches a program, or attaches to a running process, takes over its
Mach exception ports and plants a single software breakpoint at a virtual
address. Exceptions raised by the target are relayed, signals are forwarded,
until the breakpoint is hit or the session is interrupted with Ctrl-C.

Before the session starts isolate asks for the arguments of the call to
inject at the breakpoint. Answer the prompts, give a script with
--args-script, or skip them with --no-args.

Pass flags to the program you are debugging using ` + "`--`" + `, for example:

` + "`isolate exec -f 0x100003f40 ./hello -- --verbose`"

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	var err error
	conf, err = config.LoadConfig()
	if err != nil && !docCall {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}

	// Main isolate root command.
	rootCommand = &cobra.Command{
		Use:   "isolate",
		Short: "isolate is a minimal debugger for macOS targets.",
		Long:  isolateCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable session logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'isolate help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'isolate help log').")
	rootCommand.PersistentFlags().StringVar(&argsScript, "args-script", "", "Starlark script answering the call argument prompts.")
	rootCommand.PersistentFlags().BoolVar(&noArgs, "no-args", false, "Do not ask for call arguments.")
	rootCommand.PersistentFlags().StringVar(&tty, "tty", "", `TTY to use for the target program, "new" for a fresh pseudo-terminal.`)
	rootCommand.PersistentFlags().StringVar(&workingDir, "wd", "", "Working directory for running the program.")

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to running process and plant a breakpoint.",
		Long: `Attach to an already running process and plant a breakpoint.

The process is suspended while its exception ports are redirected and the
breakpoint is written, then resumed. When the session ends the exception
ports are restored and the process is killed.
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		Run: attachCmd,
	}
	addAddressFlag(attachCommand)
	rootCommand.AddCommand(attachCommand)

	// 'exec' subcommand.
	execCommand := &cobra.Command{
		Use:   "exec <path/to/binary>",
		Short: "Execute a binary and plant a breakpoint.",
		Long: `Execute a binary and plant a breakpoint.

The binary is started under ptrace and stopped before its first
instruction. Once the exception ports are redirected and the breakpoint is
written the program is continued.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to a binary")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(0, args))
		},
	}
	addAddressFlag(execCommand)
	rootCommand.AddCommand(execCommand)

	// 'run' subcommand.
	runCommand := &cobra.Command{
		Use:   "run <target>",
		Short: "Debug a target given as a pid or as a command line.",
		Long: `Debug a target given as a pid or as a command line.

A numeric target is a process to attach to. Anything else is split like a
shell command line and executed:

	isolate run -f 0x100003f40 "./server --port 8080 --motd 'hello world'"
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("you must provide exactly one target")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			pid, processArgs, err := parseTarget(args[0])
			if err != nil {
				terminal.NewPrinter(os.Stderr).Errorf("%v", err)
				os.Exit(1)
			}
			os.Exit(execute(pid, processArgs))
		},
	}
	addAddressFlag(runCommand)
	rootCommand.AddCommand(runCommand)

	// 'config' subcommand.
	configCommand := &cobra.Command{
		Use:   "config [name value]",
		Short: "Show or change the configuration.",
		Long: `Show or change the configuration stored in ~/.isolate/config.yml.

	isolate config --list
	isolate config tty new
	isolate config target-env "HOME=/tmp GREETING='hello world'"
`,
		Run: configCmd,
	}
	configCommand.Flags().BoolVar(&configList, "list", false, "List every option and its value.")
	rootCommand.AddCommand(configCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("isolate\n%s\n", version.IsolateVersion)
			if log {
				fmt.Printf("%s\n", version.BuildInfo())
			}
		},
	}
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	session		Log session state changes and teardown
	launch		Log process creation and the task handle
	ports		Log exception port bindings
	memory		Log breakpoint writes and the replaced instruction
	relay		Log every exception message and its reply

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	defaultHelpFunc := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelpFunc(cmd, args)
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func addAddressFlag(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&address, "address", "f", "", "Virtual address of the breakpoint (decimal, 0x hex or 0 octal).")
}

func attachCmd(cmd *cobra.Command, args []string) {
	pid, err := strconv.Atoi(args[0])
	if err != nil || pid <= 0 {
		fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
		os.Exit(1)
	}
	os.Exit(execute(pid, nil))
}

func configCmd(cmd *cobra.Command, args []string) {
	if configList || len(args) == 0 {
		if err := config.List(os.Stdout, conf); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		return
	}
	if err := config.Set(conf, args[0], strings.Join(args[1:], " ")); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if err := config.SaveConfig(conf); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var (
	errAddressNotNumber = errors.New("Address must be a number")
	errAddressOverflow  = errors.New("Address doesn't fit in 8 bytes")
)

// parseAddress parses s as an unsigned number in base 0: decimal, 0x
// hexadecimal or 0 octal.
func parseAddress(s string) (uint64, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		var nerr *strconv.NumError
		if errors.As(err, &nerr) && nerr.Err == strconv.ErrRange {
			return 0, errAddressOverflow
		}
		return 0, errAddressNotNumber
	}
	if n == 0 {
		return 0, errAddressNotNumber
	}
	return n, nil
}

// parseTarget interprets the argument of 'run': a pid, or a command line.
func parseTarget(target string) (int, []string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return 0, nil, errors.New("empty target")
	}
	if pid, err := strconv.Atoi(target); err == nil {
		if pid <= 0 {
			return 0, nil, fmt.Errorf("invalid pid: %d", pid)
		}
		return pid, nil, nil
	}
	v, err := argv.Argv(target,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return 0, nil, err
	}
	if len(v) != 1 || len(v[0]) == 0 {
		return 0, nil, fmt.Errorf("illegal commandline '%s'", target)
	}
	return 0, v[0], nil
}

// collectArguments asks for the call arguments, from the script when one
// is configured and from the terminal otherwise.
func collectArguments() ([]argval.Value, error) {
	if noArgs {
		return nil, nil
	}
	script := argsScript
	if script == "" {
		script = conf.ArgsScript
	}
	if script != "" {
		p, err := terminal.NewScriptPrompter(script, nil, os.Stdout)
		if err != nil {
			return nil, err
		}
		return terminal.CollectArguments(p, os.Stdout)
	}
	p := terminal.NewLinePrompter(os.Stdout, conf.HistoryPath())
	defer p.Close()
	return terminal.CollectArguments(p, os.Stdout)
}

func sessionConfig(attachPid int, processArgs []string, addr uint64) proc.Config {
	c := proc.Config{
		Cmd:            processArgs,
		WorkingDir:     workingDir,
		TTY:            tty,
		AttachPid:      attachPid,
		BreakpointAddr: addr,
		Disassemble:    conf.DisassembleEnabled(),
		Stdout:         os.Stdout,
	}
	if c.TTY == "" {
		c.TTY = conf.TTY
	}
	if len(conf.TargetEnv) > 0 {
		c.Env = conf.TargetEnv
	}
	return c
}

func execute(attachPid int, processArgs []string) int {
	printer := terminal.NewPrinter(os.Stderr)

	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	addr, err := parseAddress(address)
	if err != nil {
		printer.Errorf("%v", err)
		return 1
	}

	args, err := collectArguments()
	if err != nil {
		if errors.Is(err, terminal.ErrAborted) {
			return 0
		}
		printer.Errorf("arguments: %v", err)
		return 1
	}

	backend, err := native.New()
	if err != nil {
		printer.Errorf("%v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := proc.Run(ctx, backend, sessionConfig(attachPid, processArgs, addr), args)
	if err != nil {
		var pe proc.ErrProcessExited
		if proc.KindOf(err) == 0 && errors.As(err, &pe) {
			printer.Warnf("%v", pe)
		} else {
			printer.Errorf("%v", err)
		}
		return 1
	}

	if res.Hit != nil {
		printer.Notef("Breakpoint %#x hit by thread %#x in process %d (%d exceptions relayed)", res.Hit.Addr, uint32(res.Hit.Thread), res.Pid, res.Relayed)
	} else {
		printer.Notef("Detached from process %d (%d exceptions relayed)", res.Pid, res.Relayed)
	}
	return 0
}
