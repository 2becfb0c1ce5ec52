// Command revdb inspects and edits a revdb store from the shell.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/andreyvit/revdb"
	"github.com/andreyvit/revdb/internal/config"
)

func main() {
	os.Exit(Run(os.Stdin, os.Stdout, os.Stderr, os.Args))
}

var (
	errUsage          = errors.New("usage")
	errUnknownCommand = errors.New("unknown command")
	errBadFormat      = errors.New("unknown output format")
)

// Env is what a command runs against.
type Env struct {
	In     io.Reader
	Out    io.Writer
	ErrOut io.Writer

	Config config.Config
	Format string
	Log    *logrus.Logger

	db *revdb.DB
}

// DB opens the store on first use.
func (env *Env) DB() (*revdb.DB, error) {
	if env.db != nil {
		return env.db, nil
	}
	opt, err := env.Config.Options(env.Log.Debugf)
	if err != nil {
		return nil, err
	}
	env.Log.WithFields(logrus.Fields{
		"path":    env.Config.Path,
		"backend": opt.Backend,
		"mode":    opt.Mode,
	}).Debug("opening store")
	db, err := revdb.Open(env.Config.Path, opt)
	if err != nil {
		return nil, err
	}
	env.db = db
	return db, nil
}

func (env *Env) close() {
	if env.db != nil {
		env.db.Close()
		env.db = nil
	}
}

// Command is one subcommand of the CLI.
type Command struct {
	Flags *flag.FlagSet
	// Usage starts with the command name, e.g. "get <docid> [flags]".
	Usage string
	Short string
	Exec  func(env *Env, args []string) error
}

func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")
	return name
}

func (c *Command) printHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: revdb [global flags]", c.Usage)
	fmt.Fprintln(w)
	fmt.Fprintln(w, c.Short)
	if c.Flags.HasFlags() {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Flags:")
		c.Flags.SetOutput(w)
		c.Flags.PrintDefaults()
	}
}

type globalFlags struct {
	fs         *flag.FlagSet
	configPath string
	cfg        config.Config
	format     string
}

func newGlobalFlags() *globalFlags {
	g := &globalFlags{fs: flag.NewFlagSet("revdb", flag.ContinueOnError)}
	g.fs.SetInterspersed(false)
	g.fs.SetOutput(io.Discard)
	g.fs.StringVarP(&g.configPath, "config", "c", "", "config file (default ./"+config.FileName+" if present)")
	g.fs.StringVar(&g.cfg.Path, "db", "", "store path")
	g.fs.StringVar(&g.cfg.Backend, "backend", "", "storage backend: bolt, badger, pebble or mem")
	g.fs.StringVar(&g.cfg.Mode, "mode", "", "revision ID mode: tree or vector")
	g.fs.StringVar(&g.cfg.PeerID, "peer", "", "peer ID for vector mode")
	g.fs.StringVar(&g.cfg.Digest, "digest", "", "revision digest: sha1 or blake3")
	g.fs.BoolVar(&g.cfg.Compress, "compress", false, "compress large records")
	g.fs.IntVar(&g.cfg.MaxRevTreeDepth, "max-depth", 0, "revision tree pruning depth")
	g.fs.StringVar(&g.cfg.JournalDir, "journal", "", "change journal directory")
	g.fs.BoolVarP(&g.cfg.Verbose, "verbose", "v", false, "log every operation")
	g.fs.StringVarP(&g.format, "format", "f", "text", "output format: text, json or yaml")
	return g
}

// apply overlays the flags that were given on the command line.
func (g *globalFlags) apply(cfg config.Config) config.Config {
	changed := func(name string) bool { return g.fs.Changed(name) }
	if changed("db") {
		cfg.Path = g.cfg.Path
	}
	if changed("backend") {
		cfg.Backend = g.cfg.Backend
	}
	if changed("mode") {
		cfg.Mode = g.cfg.Mode
	}
	if changed("peer") {
		cfg.PeerID = g.cfg.PeerID
	}
	if changed("digest") {
		cfg.Digest = g.cfg.Digest
	}
	if changed("compress") {
		cfg.Compress = g.cfg.Compress
	}
	if changed("max-depth") {
		cfg.MaxRevTreeDepth = g.cfg.MaxRevTreeDepth
	}
	if changed("journal") {
		cfg.JournalDir = g.cfg.JournalDir
	}
	if changed("verbose") {
		cfg.Verbose = g.cfg.Verbose
	}
	return cfg
}

func loadConfig(g *globalFlags) (config.Config, error) {
	path, mustExist := g.configPath, true
	if path == "" {
		path, mustExist = config.FileName, false
	}
	cfg, err := config.Load(path, mustExist)
	if err != nil {
		return config.Config{}, err
	}
	cfg = g.apply(cfg)
	if cfg.JournalDir != "" && !filepath.IsAbs(cfg.JournalDir) && g.configPath != "" && !g.fs.Changed("journal") {
		cfg.JournalDir = filepath.Join(filepath.Dir(g.configPath), cfg.JournalDir)
	}
	return cfg, cfg.Validate()
}

func newLogger(w io.Writer, verbose bool) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(w)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}
	return log
}

func printUsage(w io.Writer, cmds []*Command) {
	fmt.Fprintln(w, "Usage: revdb [global flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range cmds {
		fmt.Fprintf(w, "  %-36s %s\n", c.Usage, c.Short)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Global flags:")
	g := newGlobalFlags()
	g.fs.SetOutput(w)
	g.fs.PrintDefaults()
}

// Run executes the CLI and returns the exit code.
func Run(in io.Reader, out, errOut io.Writer, args []string) int {
	cmds := commands()
	g := newGlobalFlags()
	if err := g.fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printUsage(out, cmds)
			return 0
		}
		fmt.Fprintln(errOut, "error:", err)
		return 2
	}
	rest := g.fs.Args()
	if len(rest) == 0 || rest[0] == "help" {
		printUsage(out, cmds)
		return 0
	}

	var cmd *Command
	for _, c := range cmds {
		if c.Name() == rest[0] {
			cmd = c
			break
		}
	}
	if cmd == nil {
		fmt.Fprintf(errOut, "error: %v: %s\n", errUnknownCommand, rest[0])
		printUsage(errOut, cmds)
		return 2
	}

	cmd.Flags.SetOutput(io.Discard)
	if err := cmd.Flags.Parse(rest[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			cmd.printHelp(out)
			return 0
		}
		fmt.Fprintln(errOut, "error:", err)
		cmd.printHelp(errOut)
		return 2
	}

	switch g.format {
	case formatText, formatJSON, formatYAML:
	default:
		fmt.Fprintf(errOut, "error: %v %q\n", errBadFormat, g.format)
		return 2
	}

	cfg, err := loadConfig(g)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	env := &Env{
		In:     in,
		Out:    out,
		ErrOut: errOut,
		Config: cfg,
		Format: g.format,
		Log:    newLogger(errOut, cfg.Verbose),
	}
	defer env.close()

	err = cmd.Exec(env, cmd.Flags.Args())
	if errors.Is(err, errUsage) {
		fmt.Fprintln(errOut, "error:", err)
		cmd.printHelp(errOut)
		return 2
	} else if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		if errors.Is(err, revdb.ErrNotFound) {
			return 3
		}
		if errors.Is(err, revdb.ErrConflict) {
			return 4
		}
		return 1
	}
	return 0
}
