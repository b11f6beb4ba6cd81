package agent

import (
	"bufio"
	"io"
	"os"
	"os/signal"
	"sync"

	"go.uber.org/zap"
)

// exitCodeInterrupted is the conventional status for termination by SIGINT.
const exitCodeInterrupted = 130

// SignalConfig wires a SignalHandler to the run it controls.
type SignalConfig struct {
	Status RunStatus
	// OnForceExit runs once when the user insists on stopping a paused run.
	OnForceExit func()
	// Cancel aborts the run. Teardown still happens.
	Cancel func()
	// Input is read for the line that resumes a paused run. Defaults to stdin.
	Input io.Reader
	// Exit terminates the process on a third interrupt. Defaults to os.Exit.
	Exit func(code int)

	notify func(c chan<- os.Signal, sig ...os.Signal)
	stop   func(c chan<- os.Signal)
}

// SignalHandler turns interrupts into pause, resume and exit requests.
// The first interrupt pauses the run and Enter resumes it. An interrupt while
// paused aborts the run, and one more exits the process.
type SignalHandler struct {
	logger *zap.Logger
	cfg    SignalConfig
	input  *bufio.Reader

	mu           sync.Mutex
	interrupted  bool
	exiting      bool
	readingInput bool

	sigCh      chan os.Signal
	lines      chan error
	pumpOnce   sync.Once
	done       chan struct{}
	wg         sync.WaitGroup
	registered bool
	stopOnce   sync.Once
}

// NewSignalHandler creates an unregistered handler.
func NewSignalHandler(logger *zap.Logger, cfg SignalConfig) *SignalHandler {
	if cfg.Input == nil {
		cfg.Input = os.Stdin
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	if cfg.notify == nil {
		cfg.notify = signal.Notify
	}
	if cfg.stop == nil {
		cfg.stop = signal.Stop
	}
	return &SignalHandler{
		logger: logger.Named("signals"),
		cfg:    cfg,
		input:  bufio.NewReader(cfg.Input),
		lines:  make(chan error),
		done:   make(chan struct{}),
	}
}

// Register starts listening for interrupts.
func (h *SignalHandler) Register() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.registered {
		return
	}
	h.registered = true
	h.sigCh = make(chan os.Signal, 1)
	h.cfg.notify(h.sigCh, os.Interrupt)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-h.sigCh:
				h.HandleInterrupt()
			case <-h.done:
				return
			}
		}
	}()
}

// Unregister stops listening and waits for the listener to exit.
func (h *SignalHandler) Unregister() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		registered := h.registered
		h.mu.Unlock()
		if registered {
			h.cfg.stop(h.sigCh)
		}
		close(h.done)
		h.wg.Wait()
	})
}

// Reset clears the pause latch after the run resumes.
func (h *SignalHandler) Reset() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.exiting {
		h.interrupted = false
	}
}

// HandleInterrupt reacts to one interrupt.
func (h *SignalHandler) HandleInterrupt() {
	h.mu.Lock()
	switch {
	case h.exiting:
		h.mu.Unlock()
		h.logger.Warn("Interrupted again during shutdown, exiting immediately.")
		h.cfg.Exit(exitCodeInterrupted)

	case h.interrupted:
		h.exiting = true
		h.mu.Unlock()
		h.logger.Warn("Interrupted while paused, stopping the run.")
		if h.cfg.OnForceExit != nil {
			h.cfg.OnForceExit()
		}
		if h.cfg.Cancel != nil {
			h.cfg.Cancel()
		}

	case h.cfg.Status.Paused():
		h.mu.Unlock()
		h.cfg.Status.Resume()
		h.logger.Info("Resumed the agent.")

	default:
		h.interrupted = true
		h.mu.Unlock()
		h.cfg.Status.Pause()
		h.logger.Warn("Got interrupt, paused the agent. Press Enter to resume or interrupt again to stop.")
		h.awaitResume()
	}
}

// awaitResume waits for one line of input and resumes the run if it is still
// paused by us. At most one waiter is active, and Unregister releases it.
func (h *SignalHandler) awaitResume() {
	h.mu.Lock()
	if h.readingInput {
		h.mu.Unlock()
		return
	}
	h.readingInput = true
	h.mu.Unlock()

	h.pumpOnce.Do(func() { go h.pumpLines() })

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		var err error
		select {
		case err = <-h.lines:
		case <-h.done:
		}

		h.mu.Lock()
		h.readingInput = false
		resume := err == nil && h.interrupted && !h.exiting
		select {
		case <-h.done:
			resume = false
		default:
		}
		if resume {
			h.interrupted = false
		}
		h.mu.Unlock()

		if resume {
			h.cfg.Status.Resume()
			h.logger.Info("Resuming the agent.")
		}
	}()
}

// pumpLines hands each input line to the active waiter. Lines typed while
// nobody waits are dropped so they cannot resume a later pause. A read blocked
// on a terminal cannot be interrupted, so this goroutine lives until the input
// ends or the process exits.
func (h *SignalHandler) pumpLines() {
	for {
		_, err := h.input.ReadString('\n')

		h.mu.Lock()
		waiting := h.readingInput
		h.mu.Unlock()

		if waiting {
			select {
			case h.lines <- err:
			case <-h.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}
