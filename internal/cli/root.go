package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/cruciblehq/box/internal"
	"github.com/cruciblehq/box/internal/paths"
)

// Represents the root command for the box CLI.
var RootCmd struct {
	Quiet             bool   `short:"q" help:"Suppress informational output."`
	Verbose           bool   `short:"v" help:"Enable verbose output, including run command output."`
	Debug             bool   `short:"d" help:"Enable debug output."`
	LogFormat         string `help:"Log output format." enum:"text,json,logfmt" default:"text"`
	Socket            string `short:"s" help:"Override the default daemon socket path." placeholder:"PATH"`
	ContainerdAddress string `help:"Address of the containerd socket." env:"BOX_CONTAINERD_ADDRESS" default:"/run/containerd/containerd.sock" placeholder:"PATH"`
	Namespace         string `help:"Containerd namespace for images and snapshots." env:"BOX_NAMESPACE" default:"box"`
	Platform          string `help:"Target platform (e.g., linux/arm64). Defaults to the host." env:"BOX_PLATFORM"`
	Snapshotter       string `help:"Containerd snapshotter." env:"BOX_SNAPSHOTTER" default:"overlayfs"`

	Build   BuildCmd   `cmd:"" help:"Build images from recipe files."`
	Serve   ServeCmd   `cmd:"" help:"Run the build daemon."`
	Status  StatusCmd  `cmd:"" help:"Show daemon status."`
	Stop    StopCmd    `cmd:"" help:"Stop the build daemon."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
//
// Flag defaults may be overridden by the JSON file at [paths.ConfigFile].
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Builds container images from declarative recipes.\n\nRecipes run against containerd directly, or on a box daemon."),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, paths.ConfigFile()),
		kong.Vars{
			"version": internal.VersionString(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Configures the global logger based on CLI flags.
func configureLogger() {
	handler, ok := slog.Default().Handler().(*log.Logger)
	if !ok {
		return // Not a charm logger, nothing to configure
	}

	debug := RootCmd.Debug || internal.IsDebug()
	quiet := RootCmd.Quiet || internal.IsQuiet()
	verbose := RootCmd.Verbose || internal.IsVerbose()

	internal.SetDebug(debug)
	internal.SetQuiet(quiet)
	internal.SetVerbose(verbose)

	// Configure level
	if debug {
		handler.SetLevel(log.DebugLevel)
	} else if quiet {
		handler.SetLevel(log.WarnLevel)
	} else {
		handler.SetLevel(log.InfoLevel)
	}

	// Configure formatter
	switch RootCmd.LogFormat {
	case "json":
		handler.SetFormatter(log.JSONFormatter)
	case "logfmt":
		handler.SetFormatter(log.LogfmtFormatter)
	default:
		handler.SetFormatter(log.TextFormatter)
	}

	handler.SetReportCaller(verbose)
	handler.SetReportTimestamp(verbose || !isatty(os.Stderr))
}

// Whether the given file is an interactive terminal.
func isatty(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
