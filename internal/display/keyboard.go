package display

import (
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Keyboard reads single-key commands from a raw-mode terminal. Keys are
// edge events drained on the scheduler goroutine via Events.
type Keyboard struct {
	events   chan byte
	oldState *term.State
	restore  sync.Once
}

// NewKeyboard switches stdin to raw mode and starts the reader goroutine.
// Restore must run before the process exits.
func NewKeyboard() (*Keyboard, error) {
	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return nil, err
	}
	k := &Keyboard{
		events:   make(chan byte, 16),
		oldState: oldState,
	}
	go k.read()
	return k, nil
}

// Events returns the pending key channel.
func (k *Keyboard) Events() <-chan byte { return k.events }

// Restore puts the terminal back into its original mode. Safe to call more
// than once; signal handlers and the normal exit path both go through it.
func (k *Keyboard) Restore() {
	k.restore.Do(func() {
		_ = term.Restore(int(os.Stdin.Fd()), k.oldState)
	})
}

func (k *Keyboard) read() {
	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			log.WithError(err).Debug("Keyboard reader ended")
			return
		}
		if n == 0 {
			continue
		}
		select {
		case k.events <- buf[0]:
		default:
		}
	}
}
