// Package inject places dictated text at the focused cursor: clipboard
// write plus a synthetic paste keystroke. On desktops with no paste
// primitive the clipboard write alone counts as success; the user can still
// paste by hand.
package inject

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const commandTimeout = 5 * time.Second

// Injector shells out to the session's clipboard and input tools.
type Injector struct {
	log     *log.Logger
	wayland bool
}

// New detects the display server and returns an injector for it.
func New(logger *log.Logger) *Injector {
	return &Injector{
		log:     logger,
		wayland: os.Getenv("WAYLAND_DISPLAY") != "",
	}
}

// Inject copies text to the clipboard and synthesises a paste at the focused
// window. A failed clipboard write is an error; a failed paste is not.
func (i *Injector) Inject(text string) error {
	if err := i.copyToClipboard(text); err != nil {
		return fmt.Errorf("inject: clipboard: %w", err)
	}
	if err := i.sendPaste(); err != nil {
		// The text is on the clipboard; treat a missing paste primitive as
		// a soft landing, not a failure.
		i.log.Debug("paste synthesis unavailable, clipboard only", "err", err)
	}
	return nil
}

func (i *Injector) copyToClipboard(text string) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var cmd *exec.Cmd
	if i.wayland {
		cmd = exec.CommandContext(ctx, "wl-copy")
	} else {
		cmd = exec.CommandContext(ctx, "xclip", "-selection", "clipboard")
	}
	cmd.Stdin = strings.NewReader(text)
	return cmd.Run()
}

func (i *Injector) sendPaste() error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var cmd *exec.Cmd
	if i.wayland {
		cmd = exec.CommandContext(ctx, "wtype", "-M", "ctrl", "-P", "v", "-p", "v", "-m", "ctrl")
	} else {
		cmd = exec.CommandContext(ctx, "xdotool", "key", "--clearmodifiers", "ctrl+v")
	}
	return cmd.Run()
}
