package lon

import (
	"context"
	"sync"
	"time"

	"github.com/ehrlich-b/go-lon/internal/frame"
	"github.com/ehrlich-b/go-lon/internal/link"
	"github.com/ehrlich-b/go-lon/internal/logging"
	"github.com/ehrlich-b/go-lon/internal/persist"
)

// ServicePinCode is the message code of the broadcast service-pin message.
const ServicePinCode = 0x7F

// InterfaceMode selects how the external network interface is driven.
type InterfaceMode int

const (
	InterfaceLayer2 InterfaceMode = iota
	InterfaceLayer5
)

// FrameModel selects the code packet header variant of the interface.
type FrameModel int

const (
	FrameModelU50 FrameModel = iota
	FrameModelU61
)

// Logger is the optional logging hook accepted by Options.
type Logger interface {
	Printf(format string, args ...any)
	Debugf(format string, args ...any)
}

// Options configures a Stack.
type Options struct {
	// Store backs the persistence segments; nil selects an in-memory store.
	Store persist.Store

	// Logger for debug/info messages (if nil, the process default is used)
	Logger Logger

	// TickInterval is the servicing cadence of Run. Default 10ms.
	TickInterval time.Duration
}

// InterfaceConfig parameterizes OpenInterface.
type InterfaceConfig struct {
	Index     int
	Transport Transport
	Mode      InterfaceMode
	Model     FrameModel
}

// Stack is the core glue: it owns the node tables and the link interfaces,
// advances the periodic hooks, and routes inbound messages to the
// datapoint handler, the explicit-message handler, or the out-of-band
// dispatcher.
type Stack struct {
	tables  *NodeTables
	store   persist.Store
	links   *link.Manager
	logger  Logger
	metrics *Metrics

	tickInterval time.Duration

	mu          sync.Mutex
	open        []int // open interface indices, service order
	dpHandler   func(dpIndex int, value []byte)
	msgHandler  func(InboundMessage)
	isiDispatch func(InboundMessage)
	identify    func()
	tickHooks   []func()
	addrDerivIP bool
}

// NewStack creates a stack around factory-default node tables.
func NewStack(ro ReadOnlyData, opts *Options) *Stack {
	if opts == nil {
		opts = &Options{}
	}
	store := opts.Store
	if store == nil {
		store = persist.NewMemStore()
	}
	var logger Logger = logging.Default()
	if opts.Logger != nil {
		logger = opts.Logger
	}
	interval := opts.TickInterval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	return &Stack{
		tables:       NewNodeTables(ro),
		store:        store,
		links:        link.NewManager(),
		logger:       logger,
		metrics:      NewMetrics(),
		tickInterval: interval,
	}
}

// Tables exposes the node tables.
func (s *Stack) Tables() *NodeTables { return s.tables }

// Store exposes the persistence store shared with the ISI engine.
func (s *Stack) Store() persist.Store { return s.store }

// Metrics exposes the stack counters.
func (s *Stack) Metrics() *Metrics { return s.metrics }

// OpenInterface opens a link interface. The first open interface carries
// outbound traffic.
func (s *Stack) OpenInterface(cfg InterfaceConfig) error {
	mode := link.ModeLayer5
	if cfg.Mode == InterfaceLayer2 {
		mode = link.ModeLayer2
	}
	model := frame.ModelU50
	if cfg.Model == FrameModelU61 {
		model = frame.ModelU61
	}
	_, err := s.links.Open(link.Config{
		Index:     cfg.Index,
		Transport: cfg.Transport,
		Mode:      mode,
		Model:     model,
		Logger:    s.logger,
		Identify:  s.onWink,
	})
	if err != nil {
		return WrapError("OPEN_LINK", err)
	}
	s.mu.Lock()
	s.open = append(s.open, cfg.Index)
	s.mu.Unlock()
	return nil
}

// CloseInterface shuts an interface down; subsequent operations on the
// index fail with an invalid-interface error.
func (s *Stack) CloseInterface(index int) error {
	if err := s.links.Close(index); err != nil {
		return WrapError("CLOSE_LINK", err)
	}
	s.mu.Lock()
	for i, idx := range s.open {
		if idx == index {
			s.open = append(s.open[:i], s.open[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	return nil
}

// InterfaceUID returns the unique ID of an open interface once acquired.
func (s *Stack) InterfaceUID(index int) ([6]byte, bool) {
	l, err := s.links.Get(index)
	if err != nil {
		return [6]byte{}, false
	}
	return l.UID()
}

// LinkStats returns the live statistics of an open interface.
func (s *Stack) LinkStats(index int) (*LinkStats, error) {
	l, err := s.links.Get(index)
	if err != nil {
		return nil, NewIfaceError("LINK_STATS", index, ErrCodeInvalidInterfaceID, "interface not open")
	}
	return l.Stats(), nil
}

// Registrars: passing nil deregisters.

// RegisterDatapointHandler receives inbound datapoint updates.
func (s *Stack) RegisterDatapointHandler(fn func(dpIndex int, value []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dpHandler = fn
}

// RegisterMessageHandler receives inbound explicit messages.
func (s *Stack) RegisterMessageHandler(fn func(InboundMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgHandler = fn
}

// RegisterIsiDispatcher receives inbound out-of-band (code 0x3D) messages.
func (s *Stack) RegisterIsiDispatcher(fn func(InboundMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isiDispatch = fn
}

// RegisterIdentify receives wink notifications from the link.
func (s *Stack) RegisterIdentify(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identify = fn
}

// RegisterTickHook adds a periodic hook run once per service pass; used by
// the ISI engine scheduler.
func (s *Stack) RegisterTickHook(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickHooks = append(s.tickHooks, fn)
}

// SetAddressDerivableIP maintains the flag consumed by the IPv4/UDP
// data-link adapter.
func (s *Stack) SetAddressDerivableIP(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrDerivIP = v
}

// AddressDerivableIP reports the flag.
func (s *Stack) AddressDerivableIP() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrDerivIP
}

func (s *Stack) onWink() {
	s.mu.Lock()
	fn := s.identify
	s.mu.Unlock()
	if fn != nil {
		safeCall(s.metrics, fn)
	}
}

// safeCall shields the servicing loop from a panicking application
// callback; failures are counted, never propagated.
func safeCall(m *Metrics, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.CallbackFailures.Add(1)
		}
	}()
	fn()
}

// Send transmits an explicit message on the first open interface.
func (s *Stack) Send(m Message) error {
	pdu, err := EncodeOutbound(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	index := -1
	if len(s.open) > 0 {
		index = s.open[0]
	}
	s.mu.Unlock()
	if index < 0 {
		return NewError("SEND", ErrCodeInvalidInterfaceID, "no open interface")
	}
	l, err := s.links.Get(index)
	if err != nil {
		return NewIfaceError("SEND", index, ErrCodeInvalidInterfaceID, "interface not open")
	}

	cmd := frame.NiCommCmd
	if m.Priority {
		cmd = frame.NiCommPriCmd
	}
	l2 := frame.L2Frame{Cmd: cmd, Data: pdu}
	if err := l.SendMessage(l2.Encode(), m.Priority); err != nil {
		return WrapError("SEND", err)
	}
	s.metrics.OutboundMessages.Add(1)
	return nil
}

// SendServicePin broadcasts the service-pin message carrying the neuron ID
// and program ID from the read-only data.
func (s *Stack) SendServicePin() error {
	ro := s.tables.QueryReadOnlyData()
	data := make([]byte, 0, 14)
	data = append(data, ro.NeuronID[:]...)
	data = append(data, ro.ProgramID[:]...)
	return s.Send(Message{
		Code:     ServicePinCode,
		Service:  ServiceUnacked,
		Priority: true,
		Dest:     Destination{Type: DestBroadcast},
		Data:     data,
	})
}

// PersistResult classifies a segment load.
type PersistResult = persist.Result

// PersistNode commits the node tables to the node segment.
func (s *Stack) PersistNode(appSig uint32) error {
	if err := persist.WriteImage(s.store, persist.SegmentNode, appSig, s.tables.Serialize()); err != nil {
		return NewError("PERSIST_NODE", ErrCodePersistence, err.Error())
	}
	return nil
}

// RestoreNode loads the node segment, falling back to factory defaults on
// any classified failure other than a missing segment.
func (s *Stack) RestoreNode(appSig uint32) PersistResult {
	body, res := persist.ReadImage(s.store, persist.SegmentNode, appSig, NodeImageSize)
	if res != persist.OK {
		if res != persist.NoPersistence {
			s.logger.Printf("node segment load failed (%s), reverting to factory", res)
			s.tables.ResetToFactory()
			s.metrics.DiagnosticEvents.Add(1)
		}
		return res
	}
	if err := s.tables.LoadImage(body); err != nil {
		s.tables.ResetToFactory()
		s.metrics.DiagnosticEvents.Add(1)
		return persist.Corruption
	}
	return persist.OK
}

// Poll runs one service pass: advances every open link, routes parsed
// uplink messages, and fires the periodic hooks.
func (s *Stack) Poll() {
	s.mu.Lock()
	open := append([]int(nil), s.open...)
	hooks := make([]func(), len(s.tickHooks))
	copy(hooks, s.tickHooks)
	s.mu.Unlock()

	for _, index := range open {
		l, err := s.links.Get(index)
		if err != nil {
			continue
		}
		l.Service()
		for {
			raw, ok := l.ReceiveMessage()
			if !ok {
				break
			}
			s.route(raw)
		}
	}

	for _, hook := range hooks {
		safeCall(s.metrics, hook)
	}
	s.metrics.TicksProcessed.Add(1)
}

// Run services the stack until the context is cancelled.
func (s *Stack) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Poll()
		}
	}
}

// route dispatches one parsed uplink L2 frame by message code: datapoint
// update, out-of-band ISI traffic, or explicit message callback.
func (s *Stack) route(raw []byte) {
	l2, err := frame.DecodeL2(raw)
	if err != nil {
		s.metrics.InboundDropped.Add(1)
		return
	}
	switch l2.Cmd {
	case frame.NiCommCmd, frame.NiCommPriCmd, frame.NiResponseCmd:
	default:
		// Not host traffic.
		s.metrics.InboundDropped.Add(1)
		return
	}

	in, err := DecodeInbound(l2.Data)
	if err != nil {
		s.metrics.InboundDropped.Add(1)
		return
	}

	s.mu.Lock()
	dpHandler := s.dpHandler
	msgHandler := s.msgHandler
	isiDispatch := s.isiDispatch
	s.mu.Unlock()

	switch {
	case in.Code == IsiMessageCode:
		s.metrics.InboundIsi.Add(1)
		if isiDispatch != nil {
			safeCall(s.metrics, func() { isiDispatch(in) })
		}

	case in.Code&0x80 != 0:
		// Datapoint update: the selector spans the code's low 6 bits and
		// the first data byte.
		if len(in.Data) < 1 {
			s.metrics.InboundDropped.Add(1)
			return
		}
		sel := uint16(in.Code&0x3F)<<8 | uint16(in.Data[0])
		index, ok := s.tables.FindDatapointBySelector(sel)
		if !ok {
			s.metrics.InboundDropped.Add(1)
			return
		}
		s.metrics.InboundDatapoint.Add(1)
		if dpHandler != nil {
			value := in.Data[1:]
			safeCall(s.metrics, func() { dpHandler(index, value) })
		}

	default:
		s.metrics.InboundExplicit.Add(1)
		if msgHandler != nil {
			safeCall(s.metrics, func() { msgHandler(in) })
		}
	}
}
