// Package server is the HTTP front end: the day picker form, the /set
// endpoint behind it, a JSON state endpoint and a websocket feed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"hanukia-controller/internal/core"
	"hanukia-controller/internal/lamp"
	"hanukia-controller/internal/scheduler"
)

// PatternLister lists stored Lua patterns.
type PatternLister interface {
	GetPatternList() ([]string, error)
}

// ScheduleLister lists cron schedules.
type ScheduleLister interface {
	List() []scheduler.Entry
}

// Options configures a Server. State, Commands and EventBus are required.
type Options struct {
	Port           string
	AllowedOrigins []string
	State          *core.State
	Commands       core.CommandChannel
	EventBus       *core.EventBus
	Patterns       PatternLister
	Schedules      ScheduleLister
	Logger         zerolog.Logger
}

// Server manages the HTTP and WebSocket services.
type Server struct {
	Hub        *Hub
	opts       Options
	log        zerolog.Logger
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer creates a new server instance.
func NewServer(opts Options) *Server {
	s := &Server{
		Hub:  NewHub(opts.Logger),
		opts: opts,
		log:  opts.Logger,
	}

	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(s.opts.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range s.opts.AllowedOrigins {
				if strings.EqualFold(origin, allowed) {
					return true
				}
			}
			s.log.Warn().Str("origin", origin).Msg("websocket connection blocked, origin not allowed")
			return false
		},
	}

	s.httpServer = &http.Server{Addr: ":" + opts.Port, Handler: s.Handler()}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /set", s.handleSet)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Start runs the websocket hub and the event forwarder until ctx is done.
func (s *Server) Start(ctx context.Context) {
	if len(s.opts.AllowedOrigins) == 0 {
		s.log.Warn().Msg("websocket origin check is disabled")
	}
	types := make([]core.EventType, 0, len(eventMessages))
	for t := range eventMessages {
		types = append(types, t)
	}
	sub := s.opts.EventBus.Subscribe(types...)

	go s.Hub.Run(ctx)
	go s.forwardEvents(ctx, sub, types)
}

func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
  <title>Hanukkah Lamp Selector</title>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <style>
    body { font-family: sans-serif; display: flex; justify-content: center; align-items: center; height: 100vh; margin: 0; }
    .container { text-align: center; }
    .big-select { font-size: 300%; padding: 10px; }
    .big-button { font-size: 400%; padding: 20px 40px; cursor: pointer; background-color: #00cc44; color: white; border: none; border-radius: 10px; }
    .big-button:hover { background-color: #009933; }
  </style>
</head>
<body>
  <div class="container">
    <h1>Hanukkah Lamp Selector</h1>
    <form action="/set" method="GET">
      <select name="lamp" class="big-select">
        {{- range .Options}}
        <option value="{{.Value}}"{{if .Selected}} selected{{end}}>{{.Label}}</option>
        {{- end}}
      </select>
      <br><br>
      <input type="submit" value="Confirm" class="big-button">
    </form>
    <p>{{.Status}}</p>
  </div>
</body>
</html>
`))

type option struct {
	Value    int
	Label    string
	Selected bool
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	st := s.opts.State.Clone()
	data := struct {
		Options []option
		Status  string
	}{}
	for v := 0; v <= lamp.MaxSelection; v++ {
		label := "Off"
		if v > 0 {
			label = fmt.Sprintf("Day %d", v)
		}
		data.Options = append(data.Options, option{Value: v, Label: label, Selected: v == st.Selection})
	}
	data.Status = fmt.Sprintf("%d lamps lit, %s", len(st.Lit), st.Phase)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, data); err != nil {
		s.log.Error().Err(err).Msg("render index")
	}
}

// ParseSelection parses a selection received as text. Anything that is not
// an integer in 0..8 is rejected.
func ParseSelection(raw string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || !lamp.ValidSelection(v) {
		return 0, fmt.Errorf("%w: got %q", core.ErrInvalidSelection, raw)
	}
	return v, nil
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	v, err := ParseSelection(r.URL.Query().Get("lamp"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.opts.Commands.TrySend(core.SelectCommand(v)); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.log.Info().Int("selection", v).Str("remote", r.RemoteAddr).Msg("selection requested")
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.opts.State.View()); err != nil {
		s.log.Error().Err(err).Msg("encode state")
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	_ = conn.WriteJSON(NewMessage(MsgState, s.opts.State.View()))
	if s.opts.Patterns != nil {
		if patterns, err := s.opts.Patterns.GetPatternList(); err == nil {
			_ = conn.WriteJSON(NewMessage(MsgPatternList, patterns))
		}
	}
	if s.opts.Schedules != nil {
		_ = conn.WriteJSON(NewMessage(MsgScheduleList, s.opts.Schedules.List()))
	}

	if !s.Hub.add(conn) {
		conn.Close()
		return
	}
	defer s.Hub.remove(conn)

	for {
		var in Command
		if err := conn.ReadJSON(&in); err != nil {
			var syntax *json.SyntaxError
			var mismatch *json.UnmarshalTypeError
			if errors.As(err, &syntax) || errors.As(err, &mismatch) {
				_ = s.Hub.Send(conn, NewMessage(MsgError, "malformed command"))
				continue
			}
			break
		}
		cmd, err := toCoreCommand(in)
		if err == nil {
			err = s.opts.Commands.TrySend(cmd)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("type", in.Type).Msg("websocket command rejected")
			_ = s.Hub.Send(conn, NewMessage(MsgError, err.Error()))
		}
	}
}

var forwarded = map[core.CommandType]bool{
	core.CmdRunPattern:      true,
	core.CmdStopPattern:     true,
	core.CmdAddSchedule:     true,
	core.CmdRemoveSchedule:  true,
	core.CmdGetPatternCode:  true,
	core.CmdSavePatternCode: true,
	core.CmdDeletePattern:   true,
}

// toCoreCommand validates a client command. Selections are checked here so
// that nothing outside 0..8 reaches the command queue.
func toCoreCommand(in Command) (core.Command, error) {
	t := core.CommandType(in.Type)
	if t == core.CmdSelect {
		f, ok := in.Payload["value"].(float64)
		if !ok || f != math.Trunc(f) || !lamp.ValidSelection(int(f)) {
			return core.Command{}, fmt.Errorf("%w: got %v", core.ErrInvalidSelection, in.Payload["value"])
		}
		return core.SelectCommand(int(f)), nil
	}
	if !forwarded[t] {
		return core.Command{}, fmt.Errorf("unknown command type %q", in.Type)
	}
	return core.Command{Type: t, Payload: in.Payload}, nil
}

var eventMessages = map[core.EventType]string{
	core.SelectionChangedEvent: MsgSelection,
	core.LampsChangedEvent:     MsgLamps,
	core.FrameEvent:            MsgFrame,
	core.PatternChangedEvent:   MsgPatternStatus,
	core.ScheduleChangedEvent:  MsgScheduleList,
	core.DeviceConnectedEvent:  MsgMirrorStatus,
}

func (s *Server) forwardEvents(ctx context.Context, sub core.Subscriber, types []core.EventType) {
	defer s.opts.EventBus.Unsubscribe(sub, types...)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub:
			s.Hub.Broadcast(NewMessage(eventMessages[ev.Type], ev.Payload))
		}
	}
}
