package compactor

import (
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// CompileError reports a source module that failed to compile. The build is
// aborted and no partial artifact is published; the user has to fix the
// source.
type CompileError struct {
	Path   string
	Output string
	Err    error
}

func (e *CompileError) Error() string {
	msg := fmt.Sprintf("compile error in %s", e.Path)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// Compiler compiles one source module to bytecode at an explicit output
// path. Implementations target one specific interpreter version.
type Compiler interface {
	Compile(src, dst string, optimize int) error
}

// the cfile argument makes the interpreter write the bytecode exactly where
// told, with no __pycache__ directory and no version tag in the name.
const compileScript = `import py_compile, sys
py_compile.compile(sys.argv[1], cfile=sys.argv[2], optimize=int(sys.argv[3]), doraise=True)
`

// PyCompiler compiles through the virtual environment's interpreter, never
// the one running the host build tool.
type PyCompiler struct {
	Executable string
}

// Compile invokes the target interpreter on a single module.
func (c *PyCompiler) Compile(src, dst string, optimize int) error {
	cmd := exec.Command(c.Executable, "-c", compileScript, src, dst, strconv.Itoa(optimize))
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &CompileError{Path: src, Output: string(output), Err: err}
	}
	return nil
}

// Compactor turns an unpacked wheel tree into bytecode-only form.
type Compactor struct {
	compiler Compiler
	workers  int
	optimize int
	logFn    func(string, ...interface{})
}

// New creates a compactor. optimize is the bytecode optimization level
// passed to the compiler (0 or 2).
func New(compiler Compiler, workers, optimize int, verbose bool) *Compactor {
	if workers < 1 {
		workers = 1
	}
	return &Compactor{
		compiler: compiler,
		workers:  workers,
		optimize: optimize,
		logFn: func(format string, args ...interface{}) {
			if verbose {
				fmt.Printf(format+"\n", args...)
			}
		},
	}
}

type job struct {
	src string
	dst string
}

type result struct {
	job job
	err error
}

// Compact compiles every source module under root to bytecode, placing each
// module's .pyc where the source used to live, then removes the source.
// Non-source files and already-compiled extension modules pass through
// untouched. Any compile failure aborts with a CompileError.
func (c *Compactor) Compact(root string) error {
	if err := pruneCaches(root); err != nil {
		return fmt.Errorf("clearing bytecode caches: %w", err)
	}

	jobs, err := collectSources(root)
	if err != nil {
		return fmt.Errorf("scanning sources: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}
	c.logFn("Compiling %d source modules", len(jobs))

	jobChan := make(chan job, len(jobs))
	resultChan := make(chan result, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobChan {
				resultChan <- result{job: j, err: c.compiler.Compile(j.src, j.dst, c.optimize)}
			}
		}()
	}

	for _, j := range jobs {
		jobChan <- j
	}
	close(jobChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	var firstErr error
	for res := range resultChan {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		if firstErr != nil {
			continue
		}
		if err := os.Remove(res.job.src); err != nil {
			firstErr = fmt.Errorf("removing source %s: %w", res.job.src, err)
		}
	}
	if firstErr != nil {
		return firstErr
	}

	// Imports triggered during compilation can leave caches of their own.
	return pruneCaches(root)
}

// collectSources lists every source module under root with its bytecode
// destination. dist-info metadata directories are never compiled, and
// neither are .data directories: scripts under them are installer payload,
// not importable modules.
func collectSources(root string) ([]job, error) {
	var jobs []job
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasSuffix(d.Name(), ".dist-info") || strings.HasSuffix(d.Name(), ".data") {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".py" {
			return nil
		}
		jobs = append(jobs, job{src: path, dst: strings.TrimSuffix(path, ".py") + ".pyc"})
		return nil
	})
	return jobs, err
}

// pruneCaches removes every __pycache__ directory under root, stale tagged
// bytecode included.
func pruneCaches(root string) error {
	var caches []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == "__pycache__" {
			caches = append(caches, path)
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, cache := range caches {
		if err := os.RemoveAll(cache); err != nil {
			return err
		}
	}
	return nil
}
