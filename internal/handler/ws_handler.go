package handler

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/controller"
	"github.com/stemsi/exstem-proctor/internal/event"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const streamBuffer = 128

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams a session's events to the student and takes the
// student's answers and environment signals.
type WSHandler struct {
	proctorService *service.ProctorService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(proctorService *service.ProctorService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		proctorService: proctorService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/proctor/sessions/:handle/stream
func (h *WSHandler) SessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	handle := c.Param("handle")
	studentID := claims.UserID

	// Reject before upgrading so the client sees a plain HTTP error.
	ctrl, err := h.proctorService.Get(handle, studentID)
	if err != nil {
		failFromError(c, err)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.Wrap(raw)
	defer conn.Close(websocket.CloseNormalClosure, "")

	wsLog := h.log.With().Int("student_id", studentID).Str("handle", handle).Logger()
	wsLog.Info().Msg("Student connected")

	events, unsubscribe := ctrl.Subscribe(streamBuffer)
	defer unsubscribe()

	view := ctrl.View()
	_ = conn.WriteTyped(ws.EventResponse{Event: ws.EventState, Data: event.Event{Kind: event.KindState, Snapshot: &view}})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.forward(conn, events, wsLog)
	}()

	s := &stream{h: h, conn: conn, handle: handle, studentID: studentID, log: wsLog}
	for {
		var msg ws.RequestPayload
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}
		if !s.dispatch(&msg) {
			break
		}
	}

	unsubscribe()
	wg.Wait()
	s.submits.Wait()
}

// forward writes session events until the subscription closes, then closes
// the connection so the read loop returns.
func (h *WSHandler) forward(conn *ws.Conn, events <-chan event.Event, log zerolog.Logger) {
	for e := range events {
		if err := conn.WriteTyped(ws.EventResponse{Event: ws.Event(e.Kind), Data: e}); err != nil {
			log.Debug().Err(err).Msg("Event write failed")
			break
		}
	}
	conn.Close(websocket.CloseNormalClosure, "session closed")
}

type stream struct {
	h         *WSHandler
	conn      *ws.Conn
	handle    string
	studentID int
	log       zerolog.Logger
	submits   sync.WaitGroup
}

// dispatch handles one client message. It returns false when the session
// is gone and the stream should end.
func (s *stream) dispatch(msg *ws.RequestPayload) bool {
	ctx := context.Background()
	svc := s.h.proctorService

	if msg.Action == ws.ActionPing {
		_ = s.conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})
		return true
	}

	ctrl, err := svc.Get(s.handle, s.studentID)
	if err != nil {
		s.writeErr(err)
		return false
	}

	switch msg.Action {
	case ws.ActionAnswer:
		if msg.QuestionID == "" || len(msg.Value) == 0 {
			_ = s.conn.WriteError(string(response.ErrValidation), "question_id and value are required")
			return true
		}
		if err := svc.RecordAnswer(ctx, s.handle, s.studentID, msg.QuestionID, msg.Value); err != nil {
			s.writeErr(err)
			return true
		}
		_ = s.conn.WriteTyped(ws.AnswerSavedResponse{Event: ws.EventAnswerSaved, QuestionID: msg.QuestionID})

	case ws.ActionFlag:
		flagged, err := svc.ToggleFlag(ctx, s.handle, s.studentID, msg.QuestionID)
		if err != nil {
			s.writeErr(err)
			return true
		}
		_ = s.conn.WriteTyped(ws.FlaggedResponse{Event: ws.EventFlagged, QuestionID: msg.QuestionID, Flagged: flagged})

	case ws.ActionNavigate:
		if msg.Index == nil {
			_ = s.conn.WriteError(string(response.ErrValidation), "index is required")
			return true
		}
		cur, err := ctrl.Navigate(*msg.Index)
		if err != nil {
			s.writeErr(err)
			return true
		}
		_ = s.conn.WriteTyped(ws.NavigatedResponse{Event: ws.EventNavigated, Index: cur})

	case ws.ActionSignal:
		if msg.Signal == nil || !proctor.KnownSignal(msg.Signal.Kind) {
			_ = s.conn.WriteError(string(response.ErrValidation), "unknown signal")
			return true
		}
		// Client clocks are untrusted; the gateway stamps the signal.
		ctrl.HandleSignal(proctor.Signal{Kind: msg.Signal.Kind})

	case ws.ActionSample:
		if msg.Face != nil {
			ctrl.ObserveFace(proctor.FaceSample{Faces: msg.Face.Faces})
		}
		if msg.Audio != nil {
			ctrl.ObserveAudio(proctor.AudioSample{Level: msg.Audio.Level})
		}

	case ws.ActionAck:
		ctrl.Acknowledge()

	case ws.ActionSubmit:
		// The outcome arrives as a submitted or submission_failed event.
		s.submits.Add(1)
		go func(ctrl *controller.Controller) {
			defer s.submits.Done()
			if _, err := ctrl.Submit(context.Background()); err != nil {
				s.log.Warn().Err(err).Msg("Submit over stream failed")
				s.writeErr(err)
			}
		}(ctrl)

	default:
		s.log.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
		_ = s.conn.WriteError(string(response.ErrInvalidPayload), "unknown action: "+string(msg.Action))
	}
	return true
}

func (s *stream) writeErr(err error) {
	_, code := classify(err)
	_ = s.conn.WriteError(string(code), err.Error())
}
