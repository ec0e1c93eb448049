// Package scheduler fires day selections from cron expressions, so the
// menorah can light itself at sundown.
package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"hanukia-controller/internal/core"
	"hanukia-controller/internal/lamp"
)

var ErrBadCommand = errors.New("unknown schedule command")

// Entry defines the structure for a saved schedule.
type Entry struct {
	ID      int    `json:"id"`
	Spec    string `json:"spec"`
	Command string `json:"command"`
}

// Scheduler manages all cron-related tasks.
type Scheduler struct {
	cron           *cron.Cron
	store          map[cron.EntryID]Entry
	commandChannel core.CommandChannel
	eventBus       *core.EventBus
	log            zerolog.Logger
	mu             sync.RWMutex
	schedulesFile  string
}

// New creates a scheduler and loads persisted entries from schedulesFile.
func New(cmdChan core.CommandChannel, schedulesFile string, eb *core.EventBus, log zerolog.Logger) *Scheduler {
	s := &Scheduler{
		cron:           cron.New(),
		store:          make(map[cron.EntryID]Entry),
		commandChannel: cmdChan,
		eventBus:       eb,
		log:            log,
		schedulesFile:  schedulesFile,
	}
	s.load()
	return s
}

// Start begins the cron job ticker.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("entries", len(s.List())).Msg("cron scheduler started")
}

// Stop halts the cron job ticker and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("cron scheduler stopped")
}

// ParseCommand turns a schedule command string into the command it enqueues.
// Accepted forms are "select N", "off", "stop" and "pattern NAME.lua".
func ParseCommand(command string) (core.Command, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return core.Command{}, fmt.Errorf("%w: empty", ErrBadCommand)
	}
	switch parts[0] {
	case "select":
		if len(parts) != 2 {
			return core.Command{}, fmt.Errorf("%w: select needs one value", ErrBadCommand)
		}
		v, err := strconv.Atoi(parts[1])
		if err != nil || !lamp.ValidSelection(v) {
			return core.Command{}, fmt.Errorf("%w: got %q", core.ErrInvalidSelection, parts[1])
		}
		return core.SelectCommand(v), nil
	case "off":
		return core.SelectCommand(0), nil
	case "stop":
		return core.Command{Type: core.CmdStopPattern}, nil
	case "pattern":
		if len(parts) != 2 || !strings.HasSuffix(parts[1], ".lua") {
			return core.Command{}, fmt.Errorf("%w: pattern needs a .lua file name", ErrBadCommand)
		}
		return core.Command{Type: core.CmdRunPattern, Payload: map[string]interface{}{"name": parts[1]}}, nil
	}
	return core.Command{}, fmt.Errorf("%w: %q", ErrBadCommand, parts[0])
}

// Add creates a new cron job after checking both the spec and the command.
func (s *Scheduler) Add(spec, command string) (int, error) {
	if _, err := ParseCommand(command); err != nil {
		return 0, err
	}

	s.mu.Lock()
	id, err := s.cron.AddFunc(spec, func() { s.execute(command) })
	if err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("schedule %q: %w", spec, err)
	}
	s.store[id] = Entry{ID: int(id), Spec: spec, Command: command}
	s.save()
	s.mu.Unlock()

	s.log.Info().Int("id", int(id)).Str("spec", spec).Str("command", command).Msg("added schedule")
	s.publish()
	return int(id), nil
}

// Remove deletes a cron job.
func (s *Scheduler) Remove(id int) {
	s.mu.Lock()
	entryID := cron.EntryID(id)
	s.cron.Remove(entryID)
	delete(s.store, entryID)
	s.save()
	s.mu.Unlock()

	s.log.Info().Int("id", id).Msg("removed schedule")
	s.publish()
}

// List returns the current schedules ordered by id.
func (s *Scheduler) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.store))
	for _, e := range s.store {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Scheduler) execute(command string) {
	cmd, err := ParseCommand(command)
	if err != nil {
		s.log.Error().Err(err).Str("command", command).Msg("invalid scheduled command")
		return
	}
	s.log.Info().Str("command", command).Msg("executing scheduled command")
	if err := s.commandChannel.TrySend(cmd); err != nil {
		s.log.Warn().Err(err).Str("command", command).Msg("scheduled command dropped")
	}
}

func (s *Scheduler) publish() {
	if s.eventBus == nil {
		return
	}
	s.eventBus.Publish(core.Event{Type: core.ScheduleChangedEvent, Payload: s.List()})
}

// save must be called with mu held.
func (s *Scheduler) save() {
	entries := make([]Entry, 0, len(s.store))
	for _, e := range s.store {
		entries = append(entries, Entry{Spec: e.Spec, Command: e.Command})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Spec+entries[i].Command < entries[j].Spec+entries[j].Command })
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		s.log.Error().Err(err).Msg("marshal schedules")
		return
	}
	if err := os.WriteFile(s.schedulesFile, data, 0644); err != nil {
		s.log.Error().Err(err).Str("file", s.schedulesFile).Msg("write schedules")
	}
}

func (s *Scheduler) load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.schedulesFile)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Error().Err(err).Str("file", s.schedulesFile).Msg("read schedules")
		}
		return
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		s.log.Error().Err(err).Str("file", s.schedulesFile).Msg("parse schedules")
		return
	}

	s.log.Info().Int("count", len(entries)).Str("file", s.schedulesFile).Msg("loading schedules")
	for _, entry := range entries {
		command := entry.Command
		if _, err := ParseCommand(command); err != nil {
			s.log.Warn().Err(err).Str("command", command).Msg("skipping stored schedule")
			continue
		}
		newID, err := s.cron.AddFunc(entry.Spec, func() { s.execute(command) })
		if err != nil {
			s.log.Warn().Err(err).Str("spec", entry.Spec).Msg("skipping stored schedule")
			continue
		}
		s.store[newID] = Entry{ID: int(newID), Spec: entry.Spec, Command: command}
	}
}
