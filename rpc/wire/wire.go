package wire

import (
	"github.com/pkg/errors"

	"github.com/outofforest/capnp"
	"github.com/outofforest/capnp/exc"
	"github.com/outofforest/capnp/list"
	"github.com/outofforest/capnp/types"
)

// Which is the kind of RPC message.
type Which uint16

// Message kinds.
const (
	Unimplemented Which = 0
	Abort         Which = 1
	Call          Which = 2
	Return        Which = 3
	Finish        Which = 4
	Resolve       Which = 5
	Release       Which = 6
	Bootstrap     Which = 8
	Provide       Which = 10
	Accept        Which = 11
	Join          Which = 12
	Disembargo    Which = 13
)

// String returns the name of message kind.
func (w Which) String() string {
	switch w {
	case Unimplemented:
		return "unimplemented"
	case Abort:
		return "abort"
	case Call:
		return "call"
	case Return:
		return "return"
	case Finish:
		return "finish"
	case Resolve:
		return "resolve"
	case Release:
		return "release"
	case Bootstrap:
		return "bootstrap"
	case Provide:
		return "provide"
	case Accept:
		return "accept"
	case Join:
		return "join"
	case Disembargo:
		return "disembargo"
	default:
		return "unknown"
	}
}

// Sizes of the structs.
var (
	MessageSize        = types.ObjectSize{DataSize: 8, PointerCount: 1}
	BootstrapSize      = types.ObjectSize{DataSize: 8, PointerCount: 1}
	CallSize           = types.ObjectSize{DataSize: 24, PointerCount: 3}
	ReturnSize         = types.ObjectSize{DataSize: 16, PointerCount: 1}
	FinishSize         = types.ObjectSize{DataSize: 8}
	ResolveSize        = types.ObjectSize{DataSize: 8, PointerCount: 1}
	ReleaseSize        = types.ObjectSize{DataSize: 8}
	DisembargoSize     = types.ObjectSize{DataSize: 8, PointerCount: 1}
	MessageTargetSize  = types.ObjectSize{DataSize: 8, PointerCount: 1}
	PayloadSize        = types.ObjectSize{PointerCount: 2}
	CapDescriptorSize  = types.ObjectSize{DataSize: 8, PointerCount: 1}
	PromisedAnswerSize = types.ObjectSize{DataSize: 8, PointerCount: 1}
	OpSize             = types.ObjectSize{DataSize: 8}
	ExceptionSize      = types.ObjectSize{DataSize: 8, PointerCount: 2}
)

// NewMessage allocates RPC message as the root of msg.
func NewMessage(msg *capnp.Message) (Message, error) {
	s, err := capnp.NewRootStruct(msg, MessageSize)
	if err != nil {
		return Message{}, err
	}
	return Message{s: s}, nil
}

// ReadMessage returns the RPC message stored in the root of msg.
func ReadMessage(msg *capnp.Message) (Message, error) {
	s, err := msg.RootStruct()
	if err != nil {
		return Message{}, err
	}
	return Message{s: s}, nil
}

// Message is the envelope of every RPC message.
type Message struct {
	s capnp.Struct
}

// Struct returns the underlying struct.
func (m Message) Struct() capnp.Struct {
	return m.s
}

// Which returns the kind of message.
func (m Message) Which() Which {
	return Which(m.s.Uint16(0))
}

func (m Message) body() (capnp.Struct, error) {
	p, err := m.s.Ptr(0)
	if err != nil {
		return capnp.Struct{}, errors.Wrapf(err, "reading %s body", m.Which())
	}
	return p.Struct(), nil
}

func (m Message) newBody(which Which, size types.ObjectSize) (capnp.Struct, error) {
	s, err := capnp.NewStruct(m.s.Message(), size)
	if err != nil {
		return capnp.Struct{}, err
	}
	m.s.SetUint16(0, uint16(which))
	return s, m.s.SetPtr(0, s.ToPtr())
}

// Unimplemented returns the message echoed back by the peer.
func (m Message) Unimplemented() (Message, error) {
	s, err := m.body()
	return Message{s: s}, err
}

// SetUnimplemented echoes original message back.
func (m Message) SetUnimplemented(original Message) error {
	m.s.SetUint16(0, uint16(Unimplemented))
	return m.s.SetPtr(0, original.s.ToPtr())
}

// Abort returns the exception which terminated the connection.
func (m Message) Abort() (Exception, error) {
	s, err := m.body()
	return Exception{s: s}, err
}

// NewAbort sets the message to abort.
func (m Message) NewAbort() (Exception, error) {
	s, err := m.newBody(Abort, ExceptionSize)
	return Exception{s: s}, err
}

// Bootstrap returns the bootstrap request.
func (m Message) Bootstrap() (BootstrapMsg, error) {
	s, err := m.body()
	return BootstrapMsg{s: s}, err
}

// NewBootstrap sets the message to bootstrap request.
func (m Message) NewBootstrap() (BootstrapMsg, error) {
	s, err := m.newBody(Bootstrap, BootstrapSize)
	return BootstrapMsg{s: s}, err
}

// Call returns the call.
func (m Message) Call() (CallMsg, error) {
	s, err := m.body()
	return CallMsg{s: s}, err
}

// NewCall sets the message to call.
func (m Message) NewCall() (CallMsg, error) {
	s, err := m.newBody(Call, CallSize)
	return CallMsg{s: s}, err
}

// Return returns the return.
func (m Message) Return() (ReturnMsg, error) {
	s, err := m.body()
	return ReturnMsg{s: s}, err
}

// NewReturn sets the message to return.
func (m Message) NewReturn() (ReturnMsg, error) {
	s, err := m.newBody(Return, ReturnSize)
	return ReturnMsg{s: s}, err
}

// Finish returns the finish.
func (m Message) Finish() (FinishMsg, error) {
	s, err := m.body()
	return FinishMsg{s: s}, err
}

// NewFinish sets the message to finish.
func (m Message) NewFinish() (FinishMsg, error) {
	s, err := m.newBody(Finish, FinishSize)
	return FinishMsg{s: s}, err
}

// Resolve returns the resolve.
func (m Message) Resolve() (ResolveMsg, error) {
	s, err := m.body()
	return ResolveMsg{s: s}, err
}

// NewResolve sets the message to resolve.
func (m Message) NewResolve() (ResolveMsg, error) {
	s, err := m.newBody(Resolve, ResolveSize)
	return ResolveMsg{s: s}, err
}

// Release returns the release.
func (m Message) Release() (ReleaseMsg, error) {
	s, err := m.body()
	return ReleaseMsg{s: s}, err
}

// NewRelease sets the message to release.
func (m Message) NewRelease() (ReleaseMsg, error) {
	s, err := m.newBody(Release, ReleaseSize)
	return ReleaseMsg{s: s}, err
}

// Disembargo returns the disembargo.
func (m Message) Disembargo() (DisembargoMsg, error) {
	s, err := m.body()
	return DisembargoMsg{s: s}, err
}

// NewDisembargo sets the message to disembargo.
func (m Message) NewDisembargo() (DisembargoMsg, error) {
	s, err := m.newBody(Disembargo, DisembargoSize)
	return DisembargoMsg{s: s}, err
}

// BootstrapMsg asks for the bootstrap capability of the peer.
type BootstrapMsg struct {
	s capnp.Struct
}

// QuestionID returns the ID of question.
func (b BootstrapMsg) QuestionID() uint32 {
	return b.s.Uint32(0)
}

// SetQuestionID sets the ID of question.
func (b BootstrapMsg) SetQuestionID(id uint32) {
	b.s.SetUint32(0, id)
}

// SendResultsTo tells where results of the call are delivered.
type SendResultsTo uint16

// Result destinations.
const (
	ToCaller SendResultsTo = iota
	ToYourself
	ToThirdParty
)

// CallMsg is the method call.
type CallMsg struct {
	s capnp.Struct
}

// QuestionID returns the ID of question.
func (c CallMsg) QuestionID() uint32 {
	return c.s.Uint32(0)
}

// SetQuestionID sets the ID of question.
func (c CallMsg) SetQuestionID(id uint32) {
	c.s.SetUint32(0, id)
}

// MethodID returns the ordinal of method.
func (c CallMsg) MethodID() uint16 {
	return c.s.Uint16(4)
}

// SetMethodID sets the ordinal of method.
func (c CallMsg) SetMethodID(id uint16) {
	c.s.SetUint16(4, id)
}

// SendResultsTo returns the destination of results.
func (c CallMsg) SendResultsTo() SendResultsTo {
	return SendResultsTo(c.s.Uint16(6))
}

// InterfaceID returns the ID of interface.
func (c CallMsg) InterfaceID() uint64 {
	return c.s.Uint64(8)
}

// SetInterfaceID sets the ID of interface.
func (c CallMsg) SetInterfaceID(id uint64) {
	c.s.SetUint64(8, id)
}

// Target returns the capability receiving the call.
func (c CallMsg) Target() (MessageTarget, error) {
	p, err := c.s.Ptr(0)
	return MessageTarget{s: p.Struct()}, errors.Wrap(err, "reading call target")
}

// NewTarget allocates the target.
func (c CallMsg) NewTarget() (MessageTarget, error) {
	s, err := newChild(c.s, 0, MessageTargetSize)
	return MessageTarget{s: s}, err
}

// Params returns the params payload.
func (c CallMsg) Params() (Payload, error) {
	p, err := c.s.Ptr(1)
	return Payload{s: p.Struct()}, errors.Wrap(err, "reading call params")
}

// NewParams allocates the params payload.
func (c CallMsg) NewParams() (Payload, error) {
	s, err := newChild(c.s, 1, PayloadSize)
	return Payload{s: s}, err
}

// ReturnWhich is the kind of return.
type ReturnWhich uint16

// Return kinds.
const (
	ReturnResults ReturnWhich = iota
	ReturnException
	ReturnCanceled
	ReturnResultsSentElsewhere
	ReturnTakeFromOtherQuestion
	ReturnAcceptFromThirdParty
)

// ReturnMsg is the result of question.
type ReturnMsg struct {
	s capnp.Struct
}

// AnswerID returns the ID of question being answered.
func (r ReturnMsg) AnswerID() uint32 {
	return r.s.Uint32(0)
}

// SetAnswerID sets the ID of question being answered.
func (r ReturnMsg) SetAnswerID(id uint32) {
	r.s.SetUint32(0, id)
}

// ReleaseParamCaps reports whether the receiver releases capabilities sent in params.
func (r ReturnMsg) ReleaseParamCaps() bool {
	return !r.s.Bit(32)
}

// SetReleaseParamCaps sets whether the receiver releases capabilities sent in params.
func (r ReturnMsg) SetReleaseParamCaps(v bool) {
	r.s.SetBit(32, !v)
}

// NoFinishNeeded reports whether the caller may skip sending finish.
func (r ReturnMsg) NoFinishNeeded() bool {
	return r.s.Bit(33)
}

// Which returns the kind of return.
func (r ReturnMsg) Which() ReturnWhich {
	return ReturnWhich(r.s.Uint16(6))
}

// Results returns the results payload.
func (r ReturnMsg) Results() (Payload, error) {
	p, err := r.s.Ptr(0)
	return Payload{s: p.Struct()}, errors.Wrap(err, "reading results")
}

// NewResults sets the return to results.
func (r ReturnMsg) NewResults() (Payload, error) {
	r.s.SetUint16(6, uint16(ReturnResults))
	s, err := newChild(r.s, 0, PayloadSize)
	return Payload{s: s}, err
}

// Exception returns the exception.
func (r ReturnMsg) Exception() (Exception, error) {
	p, err := r.s.Ptr(0)
	return Exception{s: p.Struct()}, errors.Wrap(err, "reading exception")
}

// NewException sets the return to exception.
func (r ReturnMsg) NewException() (Exception, error) {
	r.s.SetUint16(6, uint16(ReturnException))
	s, err := newChild(r.s, 0, ExceptionSize)
	return Exception{s: s}, err
}

// SetCanceled sets the return to canceled.
func (r ReturnMsg) SetCanceled() {
	r.s.SetUint16(6, uint16(ReturnCanceled))
}

// TakeFromOtherQuestion returns the ID of question holding the results.
func (r ReturnMsg) TakeFromOtherQuestion() uint32 {
	return r.s.Uint32(8)
}

// FinishMsg tells that caller is no longer interested in the question.
type FinishMsg struct {
	s capnp.Struct
}

// QuestionID returns the ID of question.
func (f FinishMsg) QuestionID() uint32 {
	return f.s.Uint32(0)
}

// SetQuestionID sets the ID of question.
func (f FinishMsg) SetQuestionID(id uint32) {
	f.s.SetUint32(0, id)
}

// ReleaseResultCaps reports whether capabilities in results are released implicitly.
func (f FinishMsg) ReleaseResultCaps() bool {
	return !f.s.Bit(32)
}

// SetReleaseResultCaps sets whether capabilities in results are released implicitly.
func (f FinishMsg) SetReleaseResultCaps(v bool) {
	f.s.SetBit(32, !v)
}

// ResolveWhich is the kind of resolution.
type ResolveWhich uint16

// Resolution kinds.
const (
	ResolveCap ResolveWhich = iota
	ResolveException
)

// ResolveMsg settles exported promise.
type ResolveMsg struct {
	s capnp.Struct
}

// PromiseID returns the export ID of promise.
func (r ResolveMsg) PromiseID() uint32 {
	return r.s.Uint32(0)
}

// SetPromiseID sets the export ID of promise.
func (r ResolveMsg) SetPromiseID(id uint32) {
	r.s.SetUint32(0, id)
}

// Which returns the kind of resolution.
func (r ResolveMsg) Which() ResolveWhich {
	return ResolveWhich(r.s.Uint16(4))
}

// Cap returns the capability promise resolved to.
func (r ResolveMsg) Cap() (CapDescriptor, error) {
	p, err := r.s.Ptr(0)
	return CapDescriptor{s: p.Struct()}, errors.Wrap(err, "reading resolution")
}

// NewCap sets the resolution to capability.
func (r ResolveMsg) NewCap() (CapDescriptor, error) {
	r.s.SetUint16(4, uint16(ResolveCap))
	s, err := newChild(r.s, 0, CapDescriptorSize)
	return CapDescriptor{s: s}, err
}

// Exception returns the error promise was broken with.
func (r ResolveMsg) Exception() (Exception, error) {
	p, err := r.s.Ptr(0)
	return Exception{s: p.Struct()}, errors.Wrap(err, "reading resolution")
}

// NewException sets the resolution to exception.
func (r ResolveMsg) NewException() (Exception, error) {
	r.s.SetUint16(4, uint16(ResolveException))
	s, err := newChild(r.s, 0, ExceptionSize)
	return Exception{s: s}, err
}

// ReleaseMsg drops references to exported capability.
type ReleaseMsg struct {
	s capnp.Struct
}

// ID returns the export ID.
func (r ReleaseMsg) ID() uint32 {
	return r.s.Uint32(0)
}

// SetID sets the export ID.
func (r ReleaseMsg) SetID(id uint32) {
	r.s.SetUint32(0, id)
}

// ReferenceCount returns the number of references dropped.
func (r ReleaseMsg) ReferenceCount() uint32 {
	return r.s.Uint32(4)
}

// SetReferenceCount sets the number of references dropped.
func (r ReleaseMsg) SetReferenceCount(n uint32) {
	r.s.SetUint32(4, n)
}

// DisembargoWhich is the context of disembargo.
type DisembargoWhich uint16

// Disembargo contexts.
const (
	SenderLoopback DisembargoWhich = iota
	ReceiverLoopback
	DisembargoAccept
	DisembargoProvide
)

// DisembargoMsg lifts the embargo on resolved promise.
type DisembargoMsg struct {
	s capnp.Struct
}

// Target returns the capability the embargo is placed on.
func (d DisembargoMsg) Target() (MessageTarget, error) {
	p, err := d.s.Ptr(0)
	return MessageTarget{s: p.Struct()}, errors.Wrap(err, "reading disembargo target")
}

// NewTarget allocates the target.
func (d DisembargoMsg) NewTarget() (MessageTarget, error) {
	s, err := newChild(d.s, 0, MessageTargetSize)
	return MessageTarget{s: s}, err
}

// Which returns the context.
func (d DisembargoMsg) Which() DisembargoWhich {
	return DisembargoWhich(d.s.Uint16(4))
}

// EmbargoID returns the ID of embargo for loopback contexts.
func (d DisembargoMsg) EmbargoID() uint32 {
	return d.s.Uint32(0)
}

// SetSenderLoopback sets the context to sender loopback.
func (d DisembargoMsg) SetSenderLoopback(id uint32) {
	d.s.SetUint16(4, uint16(SenderLoopback))
	d.s.SetUint32(0, id)
}

// SetReceiverLoopback sets the context to receiver loopback.
func (d DisembargoMsg) SetReceiverLoopback(id uint32) {
	d.s.SetUint16(4, uint16(ReceiverLoopback))
	d.s.SetUint32(0, id)
}

// TargetWhich is the kind of message target.
type TargetWhich uint16

// Target kinds.
const (
	TargetImportedCap TargetWhich = iota
	TargetPromisedAnswer
)

// MessageTarget is the capability message is addressed to.
type MessageTarget struct {
	s capnp.Struct
}

// Which returns the kind of target.
func (t MessageTarget) Which() TargetWhich {
	return TargetWhich(t.s.Uint16(4))
}

// ImportedCap returns the export ID of the receiver.
func (t MessageTarget) ImportedCap() uint32 {
	return t.s.Uint32(0)
}

// SetImportedCap targets capability exported by the receiver.
func (t MessageTarget) SetImportedCap(id uint32) {
	t.s.SetUint16(4, uint16(TargetImportedCap))
	t.s.SetUint32(0, id)
}

// PromisedAnswer returns the answer the target is taken from.
func (t MessageTarget) PromisedAnswer() (PromisedAnswer, error) {
	p, err := t.s.Ptr(0)
	return PromisedAnswer{s: p.Struct()}, errors.Wrap(err, "reading promised answer")
}

// NewPromisedAnswer targets capability in the result of question.
func (t MessageTarget) NewPromisedAnswer() (PromisedAnswer, error) {
	t.s.SetUint16(4, uint16(TargetPromisedAnswer))
	s, err := newChild(t.s, 0, PromisedAnswerSize)
	return PromisedAnswer{s: s}, err
}

// PromisedAnswer is the path to capability in the result of question.
type PromisedAnswer struct {
	s capnp.Struct
}

// QuestionID returns the ID of question.
func (a PromisedAnswer) QuestionID() uint32 {
	return a.s.Uint32(0)
}

// SetQuestionID sets the ID of question.
func (a PromisedAnswer) SetQuestionID(id uint32) {
	a.s.SetUint32(0, id)
}

// Transform returns the path of pointer fields.
func (a PromisedAnswer) Transform() ([]capnp.PipelineOp, error) {
	p, err := a.s.Ptr(0)
	if err != nil {
		return nil, errors.Wrap(err, "reading transform")
	}
	ops := list.StructFrom(p)
	transform := make([]capnp.PipelineOp, 0, ops.Len())
	for _, op := range ops.All() {
		switch op.Uint16(0) {
		case 0:
		case 1:
			transform = append(transform, capnp.PipelineOp{Field: op.Uint16(2)})
		default:
			return nil, errors.Errorf("unknown transform op %d", op.Uint16(0))
		}
	}
	return transform, nil
}

// SetTransform stores the path of pointer fields.
func (a PromisedAnswer) SetTransform(transform []capnp.PipelineOp) error {
	if len(transform) == 0 {
		return nil
	}
	ops, err := list.NewStruct(a.s.Message(), OpSize, int32(len(transform)))
	if err != nil {
		return err
	}
	for i, op := range ops.All() {
		op.SetUint16(0, 1)
		op.SetUint16(2, transform[i].Field)
	}
	return a.s.SetPtr(0, ops.ToPtr())
}

// Payload is the content of params or results together with its capabilities.
type Payload struct {
	s capnp.Struct
}

// Content returns the content pointer.
func (p Payload) Content() (capnp.Ptr, error) {
	ptr, err := p.s.Ptr(0)
	return ptr, errors.Wrap(err, "reading payload content")
}

// SetContent copies the content into payload.
func (p Payload) SetContent(ptr capnp.Ptr) error {
	return p.s.SetPtr(0, ptr)
}

// CapTable returns descriptors of capabilities referenced by content.
func (p Payload) CapTable() (list.Struct, error) {
	ptr, err := p.s.Ptr(1)
	return list.StructFrom(ptr), errors.Wrap(err, "reading cap table")
}

// NewCapTable allocates n descriptors.
func (p Payload) NewCapTable(n int) (list.Struct, error) {
	l, err := list.NewStruct(p.s.Message(), CapDescriptorSize, int32(n))
	if err != nil {
		return list.Struct{}, err
	}
	return l, p.s.SetPtr(1, l.ToPtr())
}

// CapWhich is the kind of capability descriptor.
type CapWhich uint16

// Descriptor kinds.
const (
	CapNone CapWhich = iota
	CapSenderHosted
	CapSenderPromise
	CapReceiverHosted
	CapReceiverAnswer
	CapThirdPartyHosted
)

// NewCapDescriptor interprets struct as capability descriptor.
func NewCapDescriptor(s capnp.Struct) CapDescriptor {
	return CapDescriptor{s: s}
}

// CapDescriptor describes capability passed in payload.
type CapDescriptor struct {
	s capnp.Struct
}

// Which returns the kind of descriptor.
func (d CapDescriptor) Which() CapWhich {
	return CapWhich(d.s.Uint16(0))
}

// ID returns the export or import ID of hosted and promised capabilities.
func (d CapDescriptor) ID() uint32 {
	return d.s.Uint32(4)
}

// SetNone sets the descriptor to null capability.
func (d CapDescriptor) SetNone() {
	d.s.SetUint16(0, uint16(CapNone))
}

// SetSenderHosted sets the descriptor to capability exported by the sender.
func (d CapDescriptor) SetSenderHosted(id uint32) {
	d.s.SetUint16(0, uint16(CapSenderHosted))
	d.s.SetUint32(4, id)
}

// SetSenderPromise sets the descriptor to promise exported by the sender.
func (d CapDescriptor) SetSenderPromise(id uint32) {
	d.s.SetUint16(0, uint16(CapSenderPromise))
	d.s.SetUint32(4, id)
}

// SetReceiverHosted sets the descriptor to capability exported by the receiver.
func (d CapDescriptor) SetReceiverHosted(id uint32) {
	d.s.SetUint16(0, uint16(CapReceiverHosted))
	d.s.SetUint32(4, id)
}

// ReceiverAnswer returns the answer of the receiver the capability is taken from.
func (d CapDescriptor) ReceiverAnswer() (PromisedAnswer, error) {
	p, err := d.s.Ptr(0)
	return PromisedAnswer{s: p.Struct()}, errors.Wrap(err, "reading receiver answer")
}

// NewReceiverAnswer sets the descriptor to capability in the answer of the receiver.
func (d CapDescriptor) NewReceiverAnswer() (PromisedAnswer, error) {
	d.s.SetUint16(0, uint16(CapReceiverAnswer))
	s, err := newChild(d.s, 0, PromisedAnswerSize)
	return PromisedAnswer{s: s}, err
}

// AttachedFD returns the index of attached file descriptor, false if there is none.
func (d CapDescriptor) AttachedFD() (uint8, bool) {
	fd := d.s.Uint8(2) ^ 0xff
	return fd, fd != 0xff
}

// Exception is the error sent over the wire.
type Exception struct {
	s capnp.Struct
}

// Reason returns the description of error.
func (e Exception) Reason() (string, error) {
	return e.s.Text(0)
}

// Type returns the type of exception.
func (e Exception) Type() exc.Type {
	return exc.Type(e.s.Uint16(4))
}

// Trace returns the trace of the remote failure.
func (e Exception) Trace() (string, error) {
	return e.s.Text(1)
}

// Set stores err. Errors not being exceptions are sent as failures.
func (e Exception) Set(err error) error {
	e.s.SetUint16(4, uint16(exc.TypeOf(err)))
	return e.s.SetText(0, exc.Reason(err))
}

// Err converts exception to the error.
func (e Exception) Err() error {
	reason, err := e.Reason()
	if err != nil {
		return exc.WrapError(exc.Failed, "rpc", err)
	}
	return exc.New(e.Type(), "remote", reason)
}

func newChild(parent capnp.Struct, i uint16, size types.ObjectSize) (capnp.Struct, error) {
	s, err := capnp.NewStruct(parent.Message(), size)
	if err != nil {
		return capnp.Struct{}, err
	}
	return s, parent.SetPtr(i, s.ToPtr())
}
