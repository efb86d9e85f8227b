// Package reader supervises the kernel tool's `events2` subprocess and turns
// its stdout lines into parsed raw events on a channel.
package reader

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/LINBIT/drbd-reactor/pkg/drbdevents"
	"github.com/LINBIT/drbd-reactor/pkg/log"
)

const (
	minVersionCode = 0x091000
	maxRestarts    = 5
	restartBackoff = 2 * time.Second
)

var (
	utilsVersionCodeRE = regexp.MustCompile(`DRBDADM_VERSION_CODE=0x([0-9a-fA-F]+)`)
	kmodVersionCodeRE  = regexp.MustCompile(`DRBD_KERNEL_VERSION_CODE=0x([0-9a-fA-F]+)`)
)

// Runner abstracts process execution so tests can substitute a fake.
type Runner interface {
	// VersionCode runs the preflight version check against a single
	// `drbdadm --version` invocation and returns both the userspace
	// (DRBDADM_VERSION_CODE) and kernel-module (DRBD_KERNEL_VERSION_CODE)
	// numeric codes it prints.
	VersionCode(ctx context.Context) (utils int, kmod int, err error)
	// Events2 starts `drbdsetup events2 --full --poll` and returns its
	// stdout for line-by-line consumption, a nudge function that writes a
	// single statistics-poll sentinel byte to the subprocess's stdin, and
	// a function that blocks until the process has exited.
	Events2(ctx context.Context) (stdout io.ReadCloser, nudge func() error, wait func() error, err error)
}

// ExecRunner shells out to the real drbdsetup/drbdadm binaries.
type ExecRunner struct {
	DrbdsetupPath string
	DrbdadmPath   string
}

// NewExecRunner returns a Runner using the default PATH-resolved binaries.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{DrbdsetupPath: "drbdsetup", DrbdadmPath: "drbdadm"}
}

func (r *ExecRunner) VersionCode(ctx context.Context) (int, int, error) {
	path := r.DrbdadmPath
	if path == "" {
		path = "drbdadm"
	}
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return 0, 0, fmt.Errorf("reader: %s --version: %w", path, err)
	}

	utils, err := extractVersionCode(utilsVersionCodeRE, out)
	if err != nil {
		return 0, 0, fmt.Errorf("reader: %s --version: %w", path, err)
	}
	kmod, err := extractVersionCode(kmodVersionCodeRE, out)
	if err != nil {
		return 0, 0, fmt.Errorf("reader: %s --version: %w", path, err)
	}
	return utils, kmod, nil
}

func extractVersionCode(re *regexp.Regexp, out []byte) (int, error) {
	m := re.FindSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("could not find %s in output", re.String())
	}
	code, err := strconv.ParseInt(string(m[1]), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version code: %w", err)
	}
	return int(code), nil
}

func (r *ExecRunner) Events2(ctx context.Context) (io.ReadCloser, func() error, func() error, error) {
	path := r.DrbdsetupPath
	if path == "" {
		path = "drbdsetup"
	}
	cmd := exec.CommandContext(ctx, path, "events2", "--full", "--poll")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("reader: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("reader: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("reader: starting %s events2: %w", path, err)
	}
	nudge := func() error {
		_, err := stdin.Write(statsNudgeByte)
		return err
	}
	return stdout, nudge, cmd.Wait, nil
}

// statsNudgeByte is the single byte drbdsetup's `events2 --poll` mode reads
// from stdin as a request to immediately re-emit per-device statistics.
var statsNudgeByte = []byte{'\n'}

// Reader owns the subprocess lifecycle and the version preflight.
type Reader struct {
	runner            Runner
	minVersion        int
	restartCap        int
	backoff           time.Duration
	statsPollInterval time.Duration
}

// New returns a Reader using the given Runner, or a default ExecRunner if nil.
func New(runner Runner) *Reader {
	if runner == nil {
		runner = NewExecRunner()
	}
	return &Reader{
		runner:     runner,
		minVersion: minVersionCode,
		restartCap: maxRestarts,
		backoff:    restartBackoff,
	}
}

// WithStatsPollInterval enables a background goroutine that periodically
// signals the events2 subprocess to re-emit device statistics, matching the
// config file's statistics-poll-interval knob. A zero interval disables it.
func (r *Reader) WithStatsPollInterval(d time.Duration) *Reader {
	r.statsPollInterval = d
	return r
}

// Run checks the kernel tool version and then feeds parsed events onto
// updates until ctx is cancelled, restarting the subprocess on unexpected
// exit up to restartCap times with backoff between attempts before
// returning a fatal error.
func (r *Reader) Run(ctx context.Context, updates chan<- drbdevents.RawEvent) error {
	utils, kmod, err := r.runner.VersionCode(ctx)
	if err != nil {
		return err
	}
	if kmod == 0 {
		return fmt.Errorf("reader: drbd kernel module not loaded (DRBD_KERNEL_VERSION_CODE is 0)")
	}
	if utils < r.minVersion {
		return fmt.Errorf("reader: drbd userspace tools too old: 0x%x < required 0x%x", utils, r.minVersion)
	}
	if kmod < r.minVersion {
		return fmt.Errorf("reader: drbd kernel module too old: 0x%x < required 0x%x", kmod, r.minVersion)
	}

	attempts := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := r.runOnce(ctx, updates)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// process exited cleanly with no error: still treat as a
			// restart condition, the kernel tool should run forever.
			err = fmt.Errorf("reader: events2 exited without error")
		}

		attempts++
		log.Errorf("reader: events2 subprocess exited: %s", err)
		if attempts >= r.restartCap {
			return fmt.Errorf("reader: events2 failed %d times, giving up: %w", attempts, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.backoff):
		}
	}
}

func (r *Reader) runOnce(ctx context.Context, updates chan<- drbdevents.RawEvent) error {
	stdout, nudge, wait, err := r.runner.Events2(ctx)
	if err != nil {
		return err
	}
	defer stdout.Close()

	runCtx, cancelNudge := context.WithCancel(ctx)
	defer cancelNudge()
	if r.statsPollInterval > 0 {
		go r.nudgeLoop(runCtx, nudge)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		ev, err := drbdevents.ParseLine(line)
		if err != nil {
			if err == drbdevents.ErrSentinel {
				continue
			}
			log.Errorf(fmt.Sprintf("reader: dropping unparseable line %q", line), err)
			continue
		}
		select {
		case updates <- ev:
		case <-ctx.Done():
			return nil
		}
	}
	if serr := scanner.Err(); serr != nil {
		return fmt.Errorf("reader: scanning events2 output: %w", serr)
	}
	return wait()
}

func (r *Reader) nudgeLoop(ctx context.Context, nudge func() error) {
	ticker := time.NewTicker(r.statsPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := nudge(); err != nil {
				log.Errorf("reader: statistics poll nudge failed", err)
			}
		}
	}
}
