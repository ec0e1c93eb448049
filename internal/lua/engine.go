// Package lua runs user-written Lua patterns that script day selections,
// for example a slow demo that walks through all eight days.
package lua

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

	"hanukia-controller/internal/core"
)

// cmdType defines the type of engine command.
type cmdType int

const (
	cmdRunFile cmdType = iota
	cmdRunString
	cmdStop
)

// engineCmd represents a command sent to the Lua engine.
type engineCmd struct {
	kind cmdType
	name string
	code string
}

// Engine manages the Lua scripting environment using a single worker goroutine
// to ensure only one pattern runs at a time.
type Engine struct {
	commands    core.CommandChannel
	state       *core.State
	patternsDir string
	eventBus    *core.EventBus
	log         zerolog.Logger

	cmdChan chan engineCmd
}

// NewEngine creates a new Lua engine and starts its background worker.
// Scripts reach the lamps only through commands, like every other client.
func NewEngine(commands core.CommandChannel, state *core.State, patternsDir string, eb *core.EventBus, log zerolog.Logger) *Engine {
	e := &Engine{
		commands:    commands,
		state:       state,
		patternsDir: patternsDir,
		eventBus:    eb,
		log:         log,
		cmdChan:     make(chan engineCmd, 10),
	}

	go e.runLoop()

	return e
}

// runLoop is the main worker loop that processes engine commands sequentially.
func (e *Engine) runLoop() {
	var currentCancel context.CancelFunc
	var scriptDone chan struct{}

	for cmd := range e.cmdChan {
		if currentCancel != nil {
			currentCancel()
			select {
			case <-scriptDone:
			case <-time.After(2 * time.Second):
				e.log.Warn().Msg("timeout waiting for script to stop")
			}
			currentCancel = nil
			scriptDone = nil
		}

		if cmd.kind == cmdStop {
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		currentCancel = cancel
		scriptDone = make(chan struct{})

		go func(cmd engineCmd, ctx context.Context, done chan struct{}) {
			defer close(done)
			switch cmd.kind {
			case cmdRunFile:
				e.execute(ctx, cmd.name, func(L *lua.LState) error { return L.DoFile(cmd.code) })
			case cmdRunString:
				e.execute(ctx, cmd.name, func(L *lua.LState) error { return L.DoString(cmd.code) })
			}
		}(cmd, ctx, scriptDone)
	}
}

// StopCurrentPattern stops the currently running script if any.
func (e *Engine) StopCurrentPattern() {
	select {
	case e.cmdChan <- engineCmd{kind: cmdStop}:
	default:
		e.log.Warn().Msg("command channel full, could not send stop command")
	}
}

// RunPattern queues the pattern file name for execution, replacing any running one.
func (e *Engine) RunPattern(name string) error {
	scriptPath, err := e.GetPatternPath(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(scriptPath); err != nil {
		return fmt.Errorf("pattern '%s': %w", name, err)
	}
	e.cmdChan <- engineCmd{kind: cmdRunFile, name: name, code: scriptPath}
	return nil
}

// ExecuteString queues a one-off Lua snippet.
func (e *Engine) ExecuteString(name, code string) {
	e.cmdChan <- engineCmd{kind: cmdRunString, name: name, code: code}
}

// sanitizeFilename checks for directory traversal and ensures a valid .lua extension.
func sanitizeFilename(name string) (string, error) {
	if !strings.HasSuffix(name, ".lua") {
		return "", errors.New("filename must end with .lua")
	}
	cleanName := filepath.Base(name)
	if cleanName != name || cleanName == ".lua" || strings.Contains(cleanName, "..") {
		return "", errors.New("invalid filename")
	}
	return cleanName, nil
}

// GetPatternPath returns the path of a pattern file inside the patterns directory, creating the directory if needed.
func (e *Engine) GetPatternPath(name string) (string, error) {
	cleanName, err := sanitizeFilename(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(e.patternsDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create patterns directory: %w", err)
	}
	return filepath.Join(e.patternsDir, cleanName), nil
}

// GetPatternCode reads and returns the source code of a pattern file.
func (e *Engine) GetPatternCode(name string) (string, error) {
	path, err := e.GetPatternPath(name)
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// SavePatternCode writes the provided Lua source code to a pattern file.
// The code is compiled first so broken patterns never reach the disk.
func (e *Engine) SavePatternCode(name, code string) error {
	path, err := e.GetPatternPath(name)
	if err != nil {
		return err
	}
	L := lua.NewState()
	defer L.Close()
	if _, err := L.LoadString(code); err != nil {
		return fmt.Errorf("pattern '%s' does not compile: %w", name, err)
	}
	return os.WriteFile(path, []byte(code), 0644)
}

// DeletePattern removes a pattern file by name.
func (e *Engine) DeletePattern(name string) error {
	path, err := e.GetPatternPath(name)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

// GetPatternList scans the patterns directory and returns a list of available .lua files.
func (e *Engine) GetPatternList() ([]string, error) {
	patterns := []string{}
	files, err := os.ReadDir(e.patternsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return patterns, nil
		}
		return nil, err
	}
	for _, file := range files {
		if !file.IsDir() && filepath.Ext(file.Name()) == ".lua" {
			patterns = append(patterns, file.Name())
		}
	}
	return patterns, nil
}

// execute runs Lua code in a fresh state bound to ctx.
func (e *Engine) execute(ctx context.Context, name string, executor func(*lua.LState) error) {
	e.log.Info().Str("pattern", name).Msg("starting pattern")
	e.publishRunning(name)

	defer func() {
		e.log.Info().Str("pattern", name).Msg("pattern finished")
		e.publishRunning("")
	}()

	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)
	e.registerGoFunctions(L, ctx)

	if err := executor(L); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			e.log.Info().Str("pattern", name).Msg("pattern execution was canceled")
		} else {
			e.log.Error().Err(err).Str("pattern", name).Msg("error executing pattern")
		}
	}
}

func (e *Engine) publishRunning(name string) {
	if e.eventBus == nil {
		return
	}
	e.eventBus.Publish(core.Event{
		Type:    core.PatternChangedEvent,
		Payload: map[string]interface{}{"running": name},
	})
}
