package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ziphy/compactor/internal/compactor"
	"github.com/ziphy/compactor/internal/config"
	"github.com/ziphy/compactor/internal/depspec"
	"github.com/ziphy/compactor/internal/manifest"
	"github.com/ziphy/compactor/internal/pyenv"
	"github.com/ziphy/compactor/internal/resolver"
	"github.com/ziphy/compactor/internal/syncer"
	"github.com/ziphy/compactor/internal/wheel"
)

var (
	projectPath string
	suffixFlag  string
	rulesPath   string
	wheelPath   string
	distDir     string
	workers     int
	optimize    bool
	dryRun      bool
	verbose     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "compactor",
		Short: "Build bytecode-only wheels and rewrite dependencies to their compact variants",
		Long:  "Compactor compiles a built wheel to bytecode-only form under a suffixed name pinned to one interpreter version, and can rewrite a project's main dependencies to the compact variants of its packages.",
	}

	buildCmd := &cobra.Command{
		Use:   "build-compact",
		Short: "Repackage a built wheel as a compact, bytecode-only wheel",
		RunE:  runBuildCompact,
	}
	buildCmd.Flags().StringVar(&wheelPath, "wheel", "", "Input wheel (default: newest matching wheel in the dist directory)")
	buildCmd.Flags().StringVar(&distDir, "dist-dir", "dist", "Distribution output directory")
	buildCmd.Flags().IntVarP(&workers, "workers", "w", 4, "Parallel compile workers")
	buildCmd.Flags().BoolVarP(&optimize, "optimize", "o", false, "Optimize bytecode (remove asserts and docstrings)")

	replaceCmd := &cobra.Command{
		Use:   "replace",
		Short: "Replace main dependencies by their compact analogs",
		RunE:  runReplace,
	}
	replaceCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Resolve and print replacements without writing anything")

	for _, cmd := range []*cobra.Command{buildCmd, replaceCmd} {
		cmd.Flags().StringVarP(&projectPath, "project", "p", "./pyproject.toml", "Path to pyproject.toml")
		cmd.Flags().StringVarP(&suffixFlag, "suffix", "s", "", "Suffix of compact packages (overrides [tool.compact] suffix)")
		cmd.Flags().StringVar(&rulesPath, "rules", "", "YAML file with match rules (overrides [tool.compact] match)")
		cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
		rootCmd.AddCommand(cmd)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(projectPath)
	if err != nil {
		return nil, err
	}
	if suffixFlag != "" {
		cfg.Suffix = suffixFlag
	}
	if rulesPath != "" {
		rules, err := config.LoadRulesFile(rulesPath)
		if err != nil {
			return nil, err
		}
		cfg.Rules = rules
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runBuildCompact(cmd *cobra.Command, args []string) error {
	log := func(format string, a ...interface{}) {
		if verbose {
			fmt.Printf(format+"\n", a...)
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	env, err := pyenv.Detect()
	if err != nil {
		return err
	}
	if !env.IsVirtual {
		return &pyenv.EnvironmentGuardError{Op: "build-compact"}
	}
	log("Target interpreter: %s (%s)", env.Version, env.PythonTag())

	mf, err := manifest.Load(projectPath)
	if err != nil {
		return err
	}

	snap, err := pyenv.ScanSnapshot(env.SitePackages())
	if err != nil {
		return fmt.Errorf("reading installed packages: %w", err)
	}
	res := resolver.New(cfg, snap, verbose)

	input := wheelPath
	if input == "" {
		input, err = findWheel(distDir, mf.Name, mf.Version)
		if err != nil {
			return err
		}
	}
	log("Input wheel: %s", input)

	tmpDir, err := os.MkdirTemp("", "compactor-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	if err := wheel.Unpack(input, tmpDir); err != nil {
		return err
	}
	infoDir, dist, err := wheel.ReadDistInfo(tmpDir)
	if err != nil {
		return err
	}

	optLevel := 0
	if optimize {
		optLevel = 2
	}
	compiler := &compactor.PyCompiler{Executable: env.Executable}
	if err := compactor.New(compiler, workers, optLevel, verbose).Compact(tmpDir); err != nil {
		return err
	}

	renamed, err := dist.Rename(cfg.Suffix, env.RequiresPython(), func(raw string) (string, error) {
		rewritten, replaced, err := res.Rewrite(raw)
		if err != nil {
			return "", err
		}
		if replaced {
			color.Green("  Replace %s by %s", raw, rewritten)
		}
		return rewritten, nil
	})
	if err != nil {
		return err
	}

	outPath, err := wheel.Pack(tmpDir, infoDir, renamed, env.PythonTag(), distDir)
	if err != nil {
		return err
	}

	color.Cyan("Built %s", outPath)
	return nil
}

func runReplace(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	env, err := pyenv.Detect()
	if err != nil {
		return err
	}
	// Pinning against, and later mutating, anything but an isolated
	// environment is refused before any state is read or written.
	if !env.IsVirtual {
		return &pyenv.EnvironmentGuardError{Op: "replace"}
	}

	mf, err := manifest.Load(projectPath)
	if err != nil {
		return err
	}

	projectDir := filepath.Dir(projectPath)
	if err := syncer.CheckLock(projectDir, mf.Main); err != nil {
		return err
	}

	snap, err := pyenv.ScanSnapshot(env.SitePackages())
	if err != nil {
		return fmt.Errorf("reading installed packages: %w", err)
	}

	res := resolver.New(cfg, snap, verbose)
	_, replacements, err := res.Substitute(mf.Main)
	if err != nil {
		return err
	}

	if len(replacements) == 0 {
		fmt.Println("Nothing to replace.")
		return nil
	}

	fmt.Printf("Replacing dependencies in %s\n", mf.Name)
	for _, rep := range replacements {
		fmt.Printf("  %s Replace %s (%s) by %s\n",
			color.GreenString("•"),
			color.New(color.Bold).Sprint(rep.Original.Name),
			color.GreenString(rep.Version),
			color.CyanString(rep.Compact.Raw))
	}

	if dryRun {
		fmt.Println("Dry run, nothing written.")
		return nil
	}

	runner := &syncer.ExecRunner{Dir: projectDir, Verbose: verbose}
	if err := syncer.New(runner, env, verbose).Apply(mf, replacements, true); err != nil {
		return err
	}

	color.Cyan("Replaced %d dependencies", len(replacements))
	return nil
}

// findWheel locates the newest wheel in distDir built for the project. The
// compact artifact's own name never matches since the suffix changes the
// escaped distribution name.
func findWheel(distDir, name, version string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("project name missing from %s", projectPath)
	}
	if version == "" {
		version = "*"
	}

	pattern := filepath.Join(distDir, fmt.Sprintf("%s-%s-*.whl", depspec.DistName(name), version))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no built wheel matching %s (run the host build first)", pattern)
	}

	newest := matches[0]
	newestTime := int64(-1)
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		if t := info.ModTime().UnixNano(); t > newestTime {
			newest, newestTime = match, t
		}
	}
	return newest, nil
}
