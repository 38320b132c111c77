package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"exchange/pkg/exception"
	"exchange/pkg/scanner"
	"exchange/pkg/uds"
)

const maxLineSize = 64 << 10

// Line actions.
const (
	ActionNew      = "new"
	ActionCancel   = "cancel"
	ActionModify   = "modify"
	ActionOrder    = "order"
	ActionSnapshot = "snapshot"
)

// LineRequest is one newline terminated JSON request on a socket session.
// Ref is echoed back so clients can pipeline requests.
type LineRequest struct {
	Action      string          `json:"action"`
	Ref         string          `json:"ref,omitempty"`
	Symbol      string          `json:"symbol,omitempty"`
	Owner       uint32          `json:"owner,omitempty"`
	Side        string          `json:"side,omitempty"`
	Type        string          `json:"type,omitempty"`
	TimeInForce string          `json:"tif,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Qty         decimal.Decimal `json:"qty"`
	OrderID     uint64          `json:"order_id,omitempty"`
	Depth       int             `json:"depth,omitempty"`
}

// LineResponse answers one LineRequest. Exactly one of Error, Ack, Order and Snapshot is set.
type LineResponse struct {
	Ref      string            `json:"ref,omitempty"`
	Session  string            `json:"session"`
	Error    string            `json:"error,omitempty"`
	Ack      *AckResponse      `json:"ack,omitempty"`
	Order    *OrderResponse    `json:"order,omitempty"`
	Snapshot *SnapshotResponse `json:"snapshot,omitempty"`
}

// LineServer serves the JSON lines protocol on a Unix domain socket.
type LineServer struct {
	svc    *Service
	server *uds.Server
}

// NewLineServer creates a server for the socket at path.
func NewLineServer(svc *Service, path string, opts ...uds.Option) (*LineServer, error) {
	if svc == nil {
		return nil, exception.ErrNilInstance
	}
	server, err := uds.NewServer(path, opts...)
	if err != nil {
		return nil, err
	}
	return &LineServer{svc: svc, server: server}, nil
}

// Path returns the socket path.
func (s *LineServer) Path() string {
	return s.server.Path()
}

// Listen binds the socket. Run calls it when needed.
func (s *LineServer) Listen() error {
	err := s.server.Listen()
	if errors.Is(err, uds.ErrAlreadyListening) {
		return nil
	}
	return err
}

// Run serves sessions until ctx is done.
func (s *LineServer) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	logs.Infof("uds serving on %s", s.server.Path())
	return s.server.Serve(ctx, s.session)
}

func (s *LineServer) session(ctx context.Context, conn net.Conn) {
	id := uuid.NewString()
	logs.Infof("uds session %s opened", id)
	defer logs.Infof("uds session %s closed", id)

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxLineSize)
	w := bufio.NewWriter(conn)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := s.Handle(ctx, line)
		resp.Session = id
		if err := writeLine(w, resp); err != nil {
			logs.Errorf("uds session %s write, err: %+v", id, err)
			return
		}
	}
	var timeout net.Error
	switch err := sc.Err(); {
	case err == nil, errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
	case errors.As(err, &timeout) && timeout.Timeout():
		logs.Infof("uds session %s idle, closing", id)
	default:
		logs.Errorf("uds session %s read, err: %+v", id, err)
	}
}

// Handle decodes and executes one request line.
func (s *LineServer) Handle(ctx context.Context, line []byte) *LineResponse {
	var req LineRequest
	if err := sonic.Unmarshal(line, &req); err != nil {
		resp := &LineResponse{Error: fmt.Errorf("%w: %v", exception.ErrOrderInvalidRequest, err).Error()}
		if ref, ok := scanner.StringField(line, []byte(`"ref"`)); ok {
			resp.Ref = string(ref)
		}
		return resp
	}

	resp := &LineResponse{Ref: req.Ref}
	var err error
	switch req.Action {
	case ActionNew:
		resp.Ack, err = s.svc.NewOrder(ctx, &NewOrderRequest{
			Symbol:      req.Symbol,
			Owner:       req.Owner,
			Side:        req.Side,
			Type:        req.Type,
			TimeInForce: req.TimeInForce,
			Price:       req.Price,
			Qty:         req.Qty,
		})
	case ActionCancel:
		resp.Ack, err = s.svc.CancelOrder(ctx, &CancelOrderRequest{OrderID: req.OrderID, Owner: req.Owner})
	case ActionModify:
		resp.Ack, err = s.svc.ModifyOrder(ctx, &ModifyOrderRequest{
			OrderID: req.OrderID,
			Owner:   req.Owner,
			Price:   req.Price,
			Qty:     req.Qty,
		})
	case ActionOrder:
		resp.Order, err = s.svc.GetOrder(ctx, &OrderRequest{OrderID: req.OrderID})
	case ActionSnapshot:
		resp.Snapshot, err = s.svc.GetSnapshot(ctx, &SnapshotRequest{Symbol: req.Symbol, Depth: req.Depth})
	default:
		err = fmt.Errorf("%w: %q", exception.ErrOrderUnsupportedAction, req.Action)
	}
	if err != nil {
		return &LineResponse{Ref: req.Ref, Error: err.Error()}
	}
	return resp
}

func writeLine(w *bufio.Writer, v any) error {
	buf, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}
