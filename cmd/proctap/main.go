// Command proctap captures the audio output of a single process and
// writes it to stdout as raw PCM (48 kHz, 2 channels, float32-LE),
// ready for piping into an encoder:
//
//	proctap --pid 12345 --stdout | ffmpeg -f f32le -ar 48000 -ac 2 -i pipe:0 out.mp3
//	proctap --name "VRChat.exe" --stdout | ffmpeg -f f32le -ar 48000 -ac 2 -i pipe:0 out.flac
package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/pozitronik/proctap/internal/capture"
	"github.com/pozitronik/proctap/internal/procfind"
)

type options struct {
	pid      uint32
	name     string
	stdout   bool
	duration time.Duration
	verbose  bool
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		pidFlag      = pflag.Uint32P("pid", "p", 0, "Process ID to capture audio from")
		nameFlag     = pflag.StringP("name", "n", "", "Process name to capture audio from (e.g. 'VRChat.exe' or 'VRChat')")
		stdoutFlag   = pflag.Bool("stdout", false, "Write raw PCM to stdout (for piping to an encoder)")
		durationFlag = pflag.Float64P("duration", "d", 0, "Capture duration in seconds (default: run until signal)")
		verboseFlag  = pflag.BoolP("verbose", "v", false, "Verbose logging to stderr")
	)
	pflag.Parse()

	opts := options{
		pid:      *pidFlag,
		name:     *nameFlag,
		stdout:   *stdoutFlag,
		duration: time.Duration(*durationFlag * float64(time.Second)),
		verbose:  *verboseFlag,
	}

	setupLogging(opts.verbose)

	if err := validate(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		pflag.Usage()
		return 1
	}

	pid := opts.pid
	if opts.name != "" {
		resolved, err := procfind.PIDByName(opts.name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		pid = resolved
		log.Printf("[CLI] resolved process %q to pid %d", opts.name, pid)
	}

	return capturePCM(pid, opts.duration)
}

// validate applies the flag contract: a target, exactly one way, and
// --stdout until another output mode exists.
func validate(opts options) error {
	if opts.pid == 0 && opts.name == "" {
		return errors.New("either --pid or --name must be specified")
	}
	if opts.pid != 0 && opts.name != "" {
		return errors.New("--pid and --name are mutually exclusive")
	}
	if !opts.stdout {
		return errors.New("--stdout is required (other output modes not implemented)")
	}
	if opts.duration < 0 {
		return errors.New("--duration must be positive")
	}
	return nil
}

// setupLogging keeps stdout pure PCM: diagnostics always go to stderr,
// and quiet mode drops everything but the final error line.
func setupLogging(verbose bool) {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	if verbose {
		log.SetOutput(os.Stderr)
	} else {
		log.SetOutput(io.Discard)
	}
}

func capturePCM(pid uint32, duration time.Duration) int {
	c := capture.New(pid)

	fmtInfo := c.Format()
	log.Printf("[CLI] output format: %dHz, %dch, %s", fmtInfo.SampleRate, fmtInfo.Channels, fmtInfo.SampleFormat)
	log.Printf("[CLI] ffmpeg format args: -f f32le -ar %d -ac %d", fmtInfo.SampleRate, fmtInfo.Channels)

	// Consumer gone (encoder finished) is a normal way to end.
	var pipeClosed atomic.Bool
	var bytesWritten atomic.Int64
	signal.Ignore(syscall.SIGPIPE)
	c.SetCallback(func(pcm []byte, frames int) {
		if pipeClosed.Load() {
			return
		}
		if _, err := os.Stdout.Write(pcm); err != nil {
			if errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe) {
				log.Printf("[CLI] stdout pipe closed after %d bytes", bytesWritten.Load())
			} else {
				log.Printf("[CLI] stdout write error: %v", err)
			}
			pipeClosed.Store(true)
			return
		}
		bytesWritten.Add(int64(len(pcm)))
	})

	if err := c.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer c.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var deadline <-chan time.Time
	if duration > 0 {
		log.Printf("[CLI] capturing for %s", duration)
		deadline = time.After(duration)
	} else {
		log.Printf("[CLI] capturing until interrupted")
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case sig := <-sigCh:
			log.Printf("[CLI] received %v, stopping", sig)
			c.Close()
			return 0
		case <-deadline:
			log.Printf("[CLI] duration reached, stopping")
			c.Close()
			return 0
		case <-ticker.C:
			if pipeClosed.Load() {
				c.Close()
				return 0
			}
		}
	}
}
