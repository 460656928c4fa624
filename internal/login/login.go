// Package login opens the OAuth helper for a provider in a terminal emulator.
package login

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/loykin/cliproxyctl/internal/provider"
)

var (
	ErrMissingProvider = errors.New("provider not specified")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrNoTerminal      = errors.New("no terminal emulator found")
)

// Terminal is an emulator plus the flag that makes it run a command.
type Terminal struct {
	Name string
	Args []string
}

// Terminals are probed in order; the first one found on PATH wins.
var Terminals = []Terminal{
	{Name: "x-terminal-emulator", Args: []string{"-e"}},
	{Name: "gnome-terminal", Args: []string{"--"}},
	{Name: "konsole", Args: []string{"-e"}},
	{Name: "xfce4-terminal", Args: []string{"-e"}},
	{Name: "xterm", Args: []string{"-e"}},
}

// Launcher starts the OAuth helper script. LookPath and Spawn default to
// exec.LookPath and a detached exec.Cmd.
type Launcher struct {
	Script    string
	Terminals []Terminal
	LookPath  func(file string) (string, error)
	Spawn     func(name string, args ...string) error
	Logger    *slog.Logger
}

func New(script string, log *slog.Logger) *Launcher {
	if log == nil {
		log = slog.Default()
	}
	return &Launcher{
		Script:    script,
		Terminals: Terminals,
		LookPath:  exec.LookPath,
		Spawn:     spawnDetached,
		Logger:    log.With("component", "login"),
	}
}

// Login opens a terminal running "<script> --<provider>" and returns the
// message shown to the user.
func (l *Launcher) Login(id string) (string, error) {
	if id == "" {
		return "", ErrMissingProvider
	}
	if !provider.Known(id) {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	for _, t := range l.Terminals {
		path, err := l.LookPath(t.Name)
		if err != nil {
			continue
		}
		args := append(append([]string{}, t.Args...), l.Script, provider.Flag(id))
		if err := l.Spawn(path, args...); err != nil {
			return "", fmt.Errorf("launch %s: %w", t.Name, err)
		}
		l.Logger.Info("opened login terminal", "provider", id, "terminal", t.Name)
		return fmt.Sprintf("Opening terminal for %s login", id), nil
	}
	return "", ErrNoTerminal
}

// Instructions is the manual fallback shown when no terminal is available.
func (l *Launcher) Instructions(id string) string {
	name := filepath.Base(l.Script)
	if l.Script == "" {
		name = "cliproxyapi-oauth"
	}
	return fmt.Sprintf("Please run manually: %s %s", name, provider.Flag(id))
}

func spawnDetached(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	detach(cmd)
	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer func() { _ = null.Close() }()
	cmd.Stdin, cmd.Stdout, cmd.Stderr = null, null, null
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
