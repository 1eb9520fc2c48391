package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tomo.ai/internal/ledger"
	"tomo.ai/internal/ledger/address"
	tlog "tomo.ai/internal/persistence/log"
	"tomo.ai/internal/protocol"
	"tomo.ai/internal/sim/cluster"
	"tomo.ai/internal/sim/tomo"
)

// Backend executes operations on behalf of authenticated sessions.
type Backend interface {
	Program() *tomo.Program
	Submit(ctx context.Context, call tomo.Call, ins ledger.Instruction) (cluster.Result, error)
	Fetch(ctx context.Context, uid string) (cluster.View, error)
}

type Auditor interface {
	WriteAudit(e tlog.AuditEntry) error
}

type Options struct {
	Logger   *log.Logger
	Auditors []Auditor
	Venues   []string

	// OpTimeout bounds one operation including venue queueing.
	OpTimeout  time.Duration
	// MaxPending is the per-session queue of operations awaiting execution.
	MaxPending int
}

type Server struct {
	backend  Backend
	log      *log.Logger
	auditors []Auditor
	venues   []string
	validate *protocol.Validator

	opTimeout  time.Duration
	maxPending int

	upgrader websocket.Upgrader
}

func NewServer(b Backend, opts Options) (*Server, error) {
	v, err := protocol.NewValidator()
	if err != nil {
		return nil, err
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 10 * time.Second
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 32
	}
	return &Server{
		backend:    b,
		log:        opts.Logger,
		auditors:   opts.Auditors,
		venues:     opts.Venues,
		validate:   v,
		opTimeout:  opts.OpTimeout,
		maxPending: opts.MaxPending,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}, nil
}

type session struct {
	id       string
	identity address.Address
	out      chan []byte
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := s.handshake(conn)
		if sess == nil {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		var wg sync.WaitGroup
		jobs := make(chan []byte, s.maxPending)

		// Writer goroutine.
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Operations of one session run in arrival order.
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-jobs:
					s.handle(ctx, sess, msg)
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			typ, err := s.validate.Validate(msg)
			if err != nil {
				s.send(ctx, sess, protocol.ErrorMsg{
					Type:            protocol.TypeError,
					ProtocolVersion: protocol.Version,
					Code:            protocol.ErrProtoBadRequest,
					Message:         err.Error(),
				})
				continue
			}
			if typ == protocol.TypeHello {
				continue
			}
			select {
			case jobs <- msg:
			default:
				s.send(ctx, sess, protocol.ErrorMsg{
					Type:            protocol.TypeError,
					ProtocolVersion: protocol.Version,
					Code:            protocol.ErrRateLimit,
					Message:         "too many pending operations",
				})
			}
		}
		cancel()
		wg.Wait()
		s.audit(sess, "bye", "", "", "")
	}
}

func (s *Server) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}
	refuse := func(code, reason string) *session {
		_ = writeJSON(conn, protocol.ErrorMsg{
			Type:            protocol.TypeError,
			ProtocolVersion: protocol.Version,
			Code:            code,
			Message:         reason,
		})
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
		return nil
	}

	typ, err := s.validate.Validate(msg)
	if err != nil || typ != protocol.TypeHello {
		return refuse(protocol.ErrProtoBadRequest, "expected HELLO")
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return refuse(protocol.ErrProtoBadRequest, "bad HELLO")
	}
	if hello.ProtocolVersion != protocol.Version {
		return refuse(protocol.ErrProtoBadRequest, "bad protocol_version")
	}
	id, err := address.Parse(hello.Identity)
	if err != nil || id.IsZero() {
		return refuse(protocol.ErrProtoBadRequest, "bad identity")
	}
	sess := &session{id: uuid.NewString(), identity: id, out: make(chan []byte, s.maxPending)}
	prog := s.backend.Program()
	if prog.Reserved(id) {
		s.audit(sess, "refused", "", protocol.ErrDenied, "reserved identity")
		return refuse(protocol.ErrDenied, "reserved identity")
	}

	if err := writeJSON(conn, protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sess.id,
		Identity:        id.String(),
		ProgramID:       prog.ID().String(),
		Venues:          s.venues,
	}); err != nil {
		return nil
	}
	s.audit(sess, "hello", "", "", hello.ClientName)
	if s.log != nil {
		s.log.Printf("session %s identity=%s name=%q", sess.id, id.Short(), hello.ClientName)
	}
	return sess
}

func (s *Server) handle(ctx context.Context, sess *session, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	switch base.Type {
	case protocol.TypeOp:
		var m protocol.OpMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		s.send(ctx, sess, s.op(ctx, sess, m))
	case protocol.TypeGet:
		var m protocol.GetMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		s.send(ctx, sess, s.get(ctx, m))
	}
}

func (s *Server) op(ctx context.Context, sess *session, m protocol.OpMsg) protocol.ResultMsg {
	res := protocol.ResultMsg{Type: protocol.TypeResult, ProtocolVersion: protocol.Version, ID: m.ID}
	fail := func(code, msg string) protocol.ResultMsg {
		res.Code = code
		res.Message = msg
		return res
	}
	op, ok := tomo.ParseOp(m.Op)
	if !ok {
		return fail(protocol.ErrBadRequest, "unknown op")
	}
	if op.Callback() {
		s.audit(sess, "refused", m.Op, protocol.ErrNoPermission, "callback op from client")
		return fail(protocol.ErrNoPermission, "callback ops are not accepted from clients")
	}
	prog := s.backend.Program()
	ins, err := prog.Instruction(op, prog.CreatureAddress(m.UID), tomo.Args{
		UID:            m.UID,
		ClientSeed:     m.ClientSeed,
		Index:          m.Index,
		TaskID:         m.TaskID,
		IntervalMillis: m.IntervalMs,
		Iterations:     m.Iterations,
	})
	if err != nil {
		return fail(tomo.Code(err), err.Error())
	}
	r, err := s.backend.Submit(ctx, tomo.Call{Signer: sess.identity}, ins)
	res.Venue = r.Venue
	res.Slot = r.Slot
	res.Logs = r.Logs
	if err != nil {
		code := tomo.Code(err)
		if code == protocol.ErrNoPermission {
			s.audit(sess, "denied", m.Op, code, err.Error())
		}
		return fail(code, err.Error())
	}
	res.OK = true
	if op == tomo.OpUseItem && len(r.Return) == 1 {
		item := r.Return[0]
		res.Item = &item
	}
	return res
}

func (s *Server) get(ctx context.Context, m protocol.GetMsg) protocol.RecordMsg {
	out := protocol.RecordMsg{Type: protocol.TypeRecord, ProtocolVersion: protocol.Version, ID: m.ID}
	v, err := s.backend.Fetch(ctx, m.UID)
	if err != nil {
		out.Code = tomo.Code(err)
		out.Message = err.Error()
		return out
	}
	inv := make([]int, len(v.Creature.Inventory))
	for i, c := range v.Creature.Inventory {
		inv[i] = int(c)
	}
	out.OK = true
	out.Delegated = v.Delegated
	out.Stale = v.Stale
	out.Venue = v.Venue
	out.Record = &protocol.CreatureView{
		Address:   v.Address.String(),
		Owner:     v.Creature.Owner.String(),
		UID:       v.Creature.UID,
		Hunger:    v.Creature.Hunger,
		LastFed:   v.Creature.LastFed,
		Coins:     v.Creature.Coins,
		ItemDrop:  v.Creature.ItemDrop,
		Inventory: inv,
	}
	return out
}

func (s *Server) send(ctx context.Context, sess *session, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case sess.out <- b:
	case <-ctx.Done():
	}
}

func (s *Server) audit(sess *session, action, op, code, detail string) {
	if len(s.auditors) == 0 {
		return
	}
	e := tlog.AuditEntry{
		Time:     time.Now().UnixMilli(),
		Session:  sess.id,
		Identity: sess.identity.String(),
		Action:   action,
		Op:       op,
		Code:     code,
		Detail:   detail,
	}
	for _, a := range s.auditors {
		if err := a.WriteAudit(e); err != nil && s.log != nil {
			s.log.Printf("audit: %v", err)
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	}
	return nil
}
